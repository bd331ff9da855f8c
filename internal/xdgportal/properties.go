package xdgportal

import (
	"context"
	"fmt"

	"go2tv.app/portalcapture/internal/apis"
)

// Capabilities is what the ScreenCast portal advertises about itself.
type Capabilities struct {
	SourceTypes uint32
	CursorModes uint32
	Version     uint32
}

func getUint32Property(ctx context.Context, bus apis.Bus, property string) (uint32, error) {
	value, err := apis.GetProperty(ctx, bus, interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes(ctx context.Context, bus apis.Bus) (uint32, error) {
	return getUint32Property(ctx, bus, "AvailableSourceTypes")
}

func GetAvailableCursorModes(ctx context.Context, bus apis.Bus) (uint32, error) {
	return getUint32Property(ctx, bus, "AvailableCursorModes")
}

func GetVersion(ctx context.Context, bus apis.Bus) (uint32, error) {
	return getUint32Property(ctx, bus, "version")
}

// Probe reads all three properties.
func Probe(ctx context.Context, bus apis.Bus) (Capabilities, error) {
	var c Capabilities
	var err error
	if c.SourceTypes, err = GetAvailableSourceTypes(ctx, bus); err != nil {
		return c, err
	}
	if c.CursorModes, err = GetAvailableCursorModes(ctx, bus); err != nil {
		return c, err
	}
	if c.Version, err = GetVersion(ctx, bus); err != nil {
		return c, err
	}
	return c, nil
}

// Supports reports whether the portal offers the given source type and
// cursor mode bits.
func (c Capabilities) Supports(sourceType, cursorMode uint32) bool {
	return c.SourceTypes&sourceType == sourceType && c.CursorModes&cursorMode == cursorMode
}
