// Package vulkan implements the device interfaces on top of Vulkan.
//
// Composition uses transfer operations only (clears and scaled blits),
// so the backend carries no shaders or pipelines.
package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/devblok/starforge/device"
)

const (
	validationLayer  = "VK_LAYER_KHRONOS_validation"
	debugReportExt   = "VK_EXT_debug_report"
	defaultEngineTag = "starforge"
)

// NewDriver returns a Vulkan driver. procAddr is the platform supplied
// vkGetInstanceProcAddr, or nil to load the system loader.
func NewDriver(procAddr unsafe.Pointer) *Driver {
	return &Driver{procAddr: procAddr}
}

// Driver loads Vulkan and creates instances.
type Driver struct {
	procAddr unsafe.Pointer
}

// CreateInstance implements device.Driver.
func (d *Driver) CreateInstance(info device.InstanceInfo) (device.Instance, error) {
	if d.procAddr == nil {
		addr, err := loadGetInstanceProcAddr()
		if err != nil {
			return nil, err
		}
		d.procAddr = addr
	}
	vk.SetGetInstanceProcAddr(d.procAddr)
	if err := vk.Init(); err != nil {
		return nil, errors.New("vk.Init(): " + err.Error())
	}

	extensions := info.Extensions
	var layers []string
	debug := false
	if info.Validation {
		if hasInstanceLayer(validationLayer) {
			layers = append(layers, validationLayer)
			extensions = append(extensions, debugReportExt)
			debug = info.Debug != nil
		} else if info.Debug != nil {
			info.Debug(device.SeverityWarning, "validation requested but "+validationLayer+" is not available")
		}
	}

	engine := info.EngineName
	if engine == "" {
		engine = defaultEngineTag
	}
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         vk.MakeVersion(1, 2, 0),
		ApplicationVersion: info.ApplicationVersion,
		PApplicationName:   safeString(info.ApplicationName),
		PEngineName:        safeString(engine),
	}

	ici := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}

	var instance vk.Instance
	if err := vk.Error(vk.CreateInstance(&ici, nil, &instance)); err != nil {
		return nil, errors.New("vk.CreateInstance(): " + err.Error())
	}
	vk.InitInstance(instance)

	inst := &Instance{
		instance: instance,
		procs:    resolveInstanceProcs(d.procAddr, instance),
	}
	if debug {
		if err := inst.createDebugReport(info.Debug); err != nil {
			info.Debug(device.SeverityWarning, err.Error())
		}
	}
	return inst, nil
}

func hasInstanceLayer(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	props := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, props) != vk.Success {
		return false
	}
	for _, p := range props {
		p.Deref()
		if vk.ToString(p.LayerName[:]) == name {
			return true
		}
	}
	return false
}

// Instance wraps a vk.Instance.
type Instance struct {
	instance  vk.Instance
	procs     *instanceProcs
	report    vk.DebugReportCallback
	reporting bool
}

func (i *Instance) createDebugReport(fn device.DebugFunc) error {
	ci := vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
			vk.DebugReportPerformanceWarningBit | vk.DebugReportInformationBit),
		PfnCallback: func(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64,
			location uint64, messageCode int32, layerPrefix string, message string, userData unsafe.Pointer) vk.Bool32 {
			fn(severityOf(flags), fmt.Sprintf("[%s] %s", layerPrefix, message))
			return vk.False
		},
	}
	var cb vk.DebugReportCallback
	if err := vk.Error(vk.CreateDebugReportCallback(i.instance, &ci, nil, &cb)); err != nil {
		return errors.New("vk.CreateDebugReportCallback(): " + err.Error())
	}
	i.report = cb
	i.reporting = true
	return nil
}

func severityOf(flags vk.DebugReportFlags) device.Severity {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		return device.SeverityError
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		return device.SeverityWarning
	default:
		return device.SeverityInfo
	}
}

// PhysicalDevices implements device.Instance.
func (i *Instance) PhysicalDevices() ([]device.PhysicalDevice, error) {
	var count uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(i.instance, &count, nil)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	handles := make([]vk.PhysicalDevice, count)
	if err := vk.Error(vk.EnumeratePhysicalDevices(i.instance, &count, handles)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	out := make([]device.PhysicalDevice, 0, count)
	for _, h := range handles {
		out = append(out, newPhysicalDevice(h, i.procs))
	}
	return out, nil
}

// CreateSurface implements device.Instance.
func (i *Instance) CreateSurface(src device.SurfaceSource) (device.Surface, error) {
	ptr, err := src.NativeSurface(i.instance)
	if err != nil {
		return nil, err
	}
	if ptr == 0 {
		return nil, errors.New("platform returned a null surface")
	}
	return &Surface{instance: i.instance, surface: vk.SurfaceFromPointer(ptr)}, nil
}

// Inner implements device.Instance.
func (i *Instance) Inner() interface{} {
	return i.instance
}

// DestroyDebugMessenger implements device.Instance.
func (i *Instance) DestroyDebugMessenger() {
	if i.reporting {
		vk.DestroyDebugReportCallback(i.instance, i.report, nil)
		i.reporting = false
	}
}

// Destroy implements device.Instance.
func (i *Instance) Destroy() {
	vk.DestroyInstance(i.instance, nil)
}

// Surface wraps a vk.Surface.
type Surface struct {
	instance vk.Instance
	surface  vk.Surface
}

// Destroy implements device.Surface.
func (s *Surface) Destroy() {
	vk.DestroySurface(s.instance, s.surface, nil)
}

func safeString(s string) string {
	return fmt.Sprintf("%s\x00", s)
}

func safeStrings(sgs []string) []string {
	safe := []string{}
	for _, s := range sgs {
		safe = append(safe, safeString(s))
	}
	return safe
}
