package main

import (
	"flag"
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/core/renderer"
	"github.com/devblok/starforge/core/swapchain"
	"github.com/devblok/starforge/device"
	"github.com/devblok/starforge/device/vulkan"
)

func init() {
	runtime.LockOSThread()
}

const mainOutput renderer.OutputID = 1

var configPath = flag.String("config", "", "path to a TOML configuration file")

func loadConfiguration() core.Configuration {
	cfg := core.DefaultConfiguration()
	if *configPath != "" {
		c, err := core.LoadConfiguration(*configPath)
		if err != nil {
			log.WithError(err).Fatal("reading configuration")
		}
		cfg = c
	}
	if err := core.ApplyEnvironment(&cfg, ".env"); err != nil {
		log.WithError(err).Fatal("reading environment")
	}
	return cfg
}

func newWindow(cfg core.RendererConfiguration) *sdl.Window {
	window, err := sdl.CreateWindow("starforge",
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(cfg.ScreenWidth),
		int32(cfg.ScreenHeight),
		sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		log.WithError(err).Fatal("creating window")
	}
	return window
}

// windowSurface hands the window's Vulkan surface to the renderer.
func windowSurface(window *sdl.Window) device.SurfaceSource {
	return device.SurfaceSourceFunc(func(instance interface{}) (uintptr, error) {
		srf, err := window.VulkanCreateSurface(instance)
		if err != nil {
			return 0, err
		}
		return uintptr(srf), nil
	})
}

func outputConfig(window *sdl.Window, rc core.RendererConfiguration) swapchain.Config {
	cfg := swapchain.ConfigFromRenderer(rc)
	w, h := window.VulkanGetDrawableSize()
	cfg.Width, cfg.Height = uint32(w), uint32(h)
	return cfg
}

// scene is the test pattern: a bar sweeping across the output.
func scene(extent device.Extent2D, frame uint64) []renderer.Element {
	if extent.Width == 0 || extent.Height == 0 {
		return nil
	}
	width := extent.Width / 8
	x := int32(frame * 4 % uint64(extent.Width))
	return []renderer.Element{
		renderer.SolidColor{
			Rect:  device.Rect{X: x, Y: 0, Width: width, Height: extent.Height},
			Color: device.Color{0.8, 0.3, 0.1, 1},
		},
	}
}

func main() {
	flag.Parse()
	configuration := loadConfiguration()
	if configuration.General.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		log.WithError(err).Fatal("initialising SDL")
	}
	defer sdl.Quit()

	if err := sdl.VulkanLoadLibrary(""); err != nil {
		log.WithError(err).Fatal("loading Vulkan")
	}
	defer sdl.VulkanUnloadLibrary()

	window := newWindow(configuration.Renderer)
	defer window.Destroy()

	caps := core.DefaultCapabilities()
	caps.Optional = append(caps.Optional, configuration.Renderer.DeviceExtensions...)
	ctx, err := core.New(vulkan.NewDriver(sdl.VulkanGetVkGetInstanceProcAddr()), core.ContextInfo{
		AppName:            configuration.General.AppName,
		AppVersion:         1,
		PlatformExtensions: window.VulkanGetInstanceExtensions(),
		Validation:         configuration.Renderer.Validation,
		Capabilities:       &caps,
	})
	if err != nil {
		log.WithError(err).Fatal("creating context")
	}

	r := renderer.NewFromConfiguration(ctx, configuration.Renderer)
	if err := r.RegisterOutput(mainOutput, windowSurface(window), outputConfig(window, configuration.Renderer)); err != nil {
		log.WithError(err).Fatal("registering output")
	}

	exitCode := run(r, window, configuration)

	if err := r.Destroy(); err != nil {
		log.WithError(err).Warn("destroying renderer")
	}
	if err := ctx.Destroy(); err != nil {
		log.WithError(err).Warn("destroying context")
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func run(r *renderer.Renderer, window *sdl.Window, configuration core.Configuration) int {
	time := core.NewTime(configuration.Time)
	defer time.Stop()

	var frame uint64
	resized := false

EventLoop:
	for {
		select {
		case <-time.EventTicker().C:
			for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
				switch et := event.(type) {
				case *sdl.KeyboardEvent:
					if et.Keysym.Sym == sdl.K_ESCAPE {
						break EventLoop
					}
				case *sdl.WindowEvent:
					if et.Event == sdl.WINDOWEVENT_SIZE_CHANGED {
						resized = true
					}
				case *sdl.QuitEvent:
					break EventLoop
				}
			}
		case <-time.FpsTicker().C:
			if err := r.Poll(); err != nil {
				log.WithError(err).Error("polling renderer")
				return 1
			}

			stale, err := r.NeedsReconfigure(mainOutput)
			if err != nil {
				log.WithError(err).Error("querying output")
				return 1
			}
			if resized || stale {
				if err := r.ConfigureOutput(mainOutput, outputConfig(window, configuration.Renderer)); err != nil {
					if core.IsFatal(err) {
						log.WithError(err).Error("reconfiguring output")
						return 1
					}
					log.WithError(err).Warn("reconfiguring output")
					continue EventLoop
				}
				resized = false
			}

			extent, err := r.Extent(mainOutput)
			if err != nil {
				log.WithError(err).Error("querying output")
				return 1
			}
			if err := r.RenderFrame(mainOutput, scene(extent, frame)); err != nil {
				if core.IsFatal(err) {
					log.WithError(err).Error("rendering")
					return 1
				}
				log.WithError(err).Debug("frame dropped")
				continue EventLoop
			}
			frame++
		}
	}
	log.Info("event loop exited")
	return 0
}
