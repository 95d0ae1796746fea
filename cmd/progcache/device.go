package main

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/allbackends"
	"github.com/gogpu/wgpu/hal/noop"
)

// gpuVariants maps --gpu values to registered HAL backends.
var gpuVariants = map[string]gputypes.Backend{
	"vulkan": gputypes.BackendVulkan,
	"metal":  gputypes.BackendMetal,
	"dx12":   gputypes.BackendDX12,
	"gl":     gputypes.BackendGL,
}

// device is an opened HAL device and the instance it came from.
type device struct {
	instance hal.Instance
	open     hal.OpenDevice
	info     gputypes.AdapterInfo
}

// openDevice opens the first suitable adapter of the named backend.
// "auto" picks the most capable registered backend; "noop" opens the
// no-op device, which compiles and links but never draws.
func openDevice(name string) (*device, error) {
	backend, err := selectBackend(strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("progcache: create %s instance: %w", backend.Variant(), err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("progcache: no %s adapters found", backend.Variant())
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	od, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("progcache: open %s: %w", selected.Info.Name, err)
	}
	return &device{instance: instance, open: od, info: selected.Info}, nil
}

func selectBackend(name string) (hal.Backend, error) {
	switch name {
	case "", "auto":
		b, err := hal.SelectBestBackend()
		if err != nil {
			return nil, fmt.Errorf("progcache: no GPU backend available: %w", err)
		}
		return b, nil
	case "noop":
		return noop.API{}, nil
	}
	variant, ok := gpuVariants[name]
	if !ok {
		return nil, fmt.Errorf("progcache: unknown --gpu %q (want auto, vulkan, metal, dx12, gl or noop)", name)
	}
	b, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("progcache: %s backend is not available on this platform", variant)
	}
	return b, nil
}

// Close destroys the device, then the instance.
func (d *device) Close() {
	d.open.Device.Destroy()
	d.instance.Destroy()
}
