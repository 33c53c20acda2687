package vulkan

/*
#cgo LDFLAGS: -ldl
#include <stdint.h>
#include <stdlib.h>
#include <dlfcn.h>

typedef void (*sfVoidFunction)(void);
typedef sfVoidFunction (*sfGetInstanceProcAddr)(void *instance, const char *name);
typedef void (*sfGetPhysicalDeviceFeatures2)(void *physicalDevice, void *features);
typedef void (*sfGetPhysicalDeviceFormatProperties2)(void *physicalDevice, int32_t format, void *properties);

static void *sfLoadGetInstanceProcAddr(const char *lib) {
	void *handle = dlopen(lib, RTLD_NOW | RTLD_LOCAL);
	if (handle == NULL) {
		return NULL;
	}
	return dlsym(handle, "vkGetInstanceProcAddr");
}

static void *sfInstanceProc(void *gipa, void *instance, const char *name) {
	return (void *)((sfGetInstanceProcAddr)gipa)(instance, name);
}

static void sfGetFeatures2(void *fn, void *physicalDevice, void *features) {
	((sfGetPhysicalDeviceFeatures2)fn)(physicalDevice, features);
}

static void sfGetFormatProperties2(void *fn, void *physicalDevice, int32_t format, void *properties) {
	((sfGetPhysicalDeviceFormatProperties2)fn)(physicalDevice, format, properties);
}
*/
import "C"

import (
	"errors"
	"unsafe"

	vk "github.com/goki/vulkan"
)

const loaderLibrary = "libvulkan.so.1"

// loadGetInstanceProcAddr opens the system Vulkan loader.
func loadGetInstanceProcAddr() (unsafe.Pointer, error) {
	lib := C.CString(loaderLibrary)
	defer C.free(unsafe.Pointer(lib))
	addr := C.sfLoadGetInstanceProcAddr(lib)
	if addr == nil {
		return nil, errors.New("vkGetInstanceProcAddr not found in " + loaderLibrary)
	}
	return addr, nil
}

// instanceProcs are the instance level entry points the binding does not
// wrap. Any of them is nil when neither the core nor the KHR name
// resolves.
type instanceProcs struct {
	features2         unsafe.Pointer
	formatProperties2 unsafe.Pointer
}

func resolveInstanceProcs(gipa unsafe.Pointer, instance vk.Instance) *instanceProcs {
	return &instanceProcs{
		features2: instanceProc(gipa, instance,
			"vkGetPhysicalDeviceFeatures2", "vkGetPhysicalDeviceFeatures2KHR"),
		formatProperties2: instanceProc(gipa, instance,
			"vkGetPhysicalDeviceFormatProperties2", "vkGetPhysicalDeviceFormatProperties2KHR"),
	}
}

// instanceProc returns the first of names the instance resolves.
func instanceProc(gipa unsafe.Pointer, instance vk.Instance, names ...string) unsafe.Pointer {
	for _, name := range names {
		cname := C.CString(name)
		fn := C.sfInstanceProc(gipa, unsafe.Pointer(instance), cname)
		C.free(unsafe.Pointer(cname))
		if fn != nil {
			return fn
		}
	}
	return nil
}

// physicalDeviceFeatures2 fills features, a C allocated
// VkPhysicalDeviceFeatures2 chain.
func (p *instanceProcs) physicalDeviceFeatures2(pd vk.PhysicalDevice, features unsafe.Pointer) bool {
	if p == nil || p.features2 == nil {
		return false
	}
	C.sfGetFeatures2(p.features2, unsafe.Pointer(pd), features)
	return true
}

// physicalDeviceFormatProperties2 fills properties, a C allocated
// VkFormatProperties2 chain.
func (p *instanceProcs) physicalDeviceFormatProperties2(pd vk.PhysicalDevice, format vk.Format, properties unsafe.Pointer) bool {
	if p == nil || p.formatProperties2 == nil {
		return false
	}
	C.sfGetFormatProperties2(p.formatProperties2, unsafe.Pointer(pd), C.int32_t(format), properties)
	return true
}
