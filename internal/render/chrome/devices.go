package chrome

import (
	"sort"

	"github.com/chromedp/chromedp/device"

	"github.com/snapwright/engine/pkg/types"
)

// devicePresets maps request device names to chromedp emulation profiles
var devicePresets = map[string]device.Info{
	"iPhone 8":       device.IPhone8.Device(),
	"iPhone X":       device.IPhoneX.Device(),
	"iPhone 12":      device.IPhone12.Device(),
	"iPhone 13":      device.IPhone13.Device(),
	"iPad":           device.IPad.Device(),
	"iPad Pro":       device.IPadPro.Device(),
	"Galaxy S5":      device.GalaxyS5.Device(),
	"Pixel 2":        device.Pixel2.Device(),
	"Pixel 2 XL":     device.Pixel2XL.Device(),
	"Nexus 7":        device.Nexus7.Device(),
	"Kindle Fire HD": device.KindleFireHDX.Device(),
}

// lookupDevice resolves a device preset. Unknown names are a fatal
// unsupported_option error: retrying cannot make a preset exist.
func lookupDevice(name string) (device.Info, error) {
	info, ok := devicePresets[name]
	if !ok {
		return device.Info{}, types.NewRenderError(types.ErrorKindUnsupportedOption,
			"unknown device preset: "+name, nil)
	}
	return info, nil
}

// DeviceNames lists the supported presets, sorted for stable output
func DeviceNames() []string {
	names := make([]string, 0, len(devicePresets))
	for name := range devicePresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
