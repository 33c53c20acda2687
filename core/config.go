package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gobuffalo/envy"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Configuration defines a global compositor configuration setting
type Configuration struct {
	General  GeneralConfiguration  `toml:"general"`
	Renderer RendererConfiguration `toml:"renderer"`
	Time     TimeConfiguration     `toml:"time"`
}

// GeneralConfiguration holds process wide settings.
type GeneralConfiguration struct {
	AppName string `toml:"app_name"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int `toml:"frames_per_second"`

	// EventPollDelay is the platform event poll period in milliseconds.
	EventPollDelay int `toml:"event_poll_delay"`
}

// RendererConfiguration is used to configure the renderer
type RendererConfiguration struct {
	Validation bool `toml:"validation"`
	VSync      bool `toml:"vsync"`
	HDR        bool `toml:"hdr"`

	BackgroundColor [4]float32 `toml:"background_color"`

	// AcquireTimeoutMillis bounds the wait for a presentable image.
	AcquireTimeoutMillis int `toml:"acquire_timeout_ms"`

	SwapchainSize uint32 `toml:"swapchain_size"`

	// DeviceExtensions are enabled in addition to the required set
	// when the device offers them.
	DeviceExtensions []string `toml:"device_extensions"`

	ScreenWidth  uint32 `toml:"screen_width"`
	ScreenHeight uint32 `toml:"screen_height"`
}

// AcquireTimeout returns the acquire timeout as a duration.
func (r RendererConfiguration) AcquireTimeout() time.Duration {
	return time.Duration(r.AcquireTimeoutMillis) * time.Millisecond
}

// DefaultConfiguration returns the configuration used when no file is
// given.
func DefaultConfiguration() Configuration {
	return Configuration{
		General: GeneralConfiguration{
			AppName: "starforge",
		},
		Renderer: RendererConfiguration{
			VSync:                true,
			BackgroundColor:      [4]float32{0.1, 0.1, 0.1, 1.0},
			AcquireTimeoutMillis: 1000,
			SwapchainSize:        3,
			ScreenWidth:          1280,
			ScreenHeight:         720,
		},
		Time: TimeConfiguration{
			FramesPerSecond: 60,
			EventPollDelay:  5,
		},
	}
}

// LoadConfiguration reads a TOML file over the defaults.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to path as TOML.
func (c Configuration) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Environment variables read by ApplyEnvironment.
const (
	EnvAppName    = "STARFORGE_APP_NAME"
	EnvDebug      = "STARFORGE_DEBUG"
	EnvValidation = "STARFORGE_VALIDATION"
	EnvVSync      = "STARFORGE_VSYNC"
	EnvHDR        = "STARFORGE_HDR"
	EnvFPS        = "STARFORGE_FPS"
	EnvWidth      = "STARFORGE_WIDTH"
	EnvHeight     = "STARFORGE_HEIGHT"
	EnvBackground = "STARFORGE_BACKGROUND"
)

// ApplyEnvironment loads the given .env files, missing ones are skipped,
// and overrides cfg from STARFORGE_* variables. Variables already set in
// the process win over the files.
func ApplyEnvironment(cfg *Configuration, files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return err
		}
	}
	envy.Reload()

	if v := envy.Get(EnvAppName, ""); v != "" {
		cfg.General.AppName = v
	}
	var err error
	set := func(key string, fn func(string) error) {
		if err != nil {
			return
		}
		if v := envy.Get(key, ""); v != "" {
			if e := fn(v); e != nil {
				err = fmt.Errorf("%s: %w", key, e)
			}
		}
	}
	set(EnvDebug, boolInto(&cfg.General.Debug))
	set(EnvValidation, boolInto(&cfg.Renderer.Validation))
	set(EnvVSync, boolInto(&cfg.Renderer.VSync))
	set(EnvHDR, boolInto(&cfg.Renderer.HDR))
	set(EnvFPS, func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			cfg.Time.FramesPerSecond = n
		}
		return err
	})
	set(EnvWidth, uintInto(&cfg.Renderer.ScreenWidth))
	set(EnvHeight, uintInto(&cfg.Renderer.ScreenHeight))
	set(EnvBackground, func(v string) error {
		parts := strings.Split(v, ",")
		if len(parts) != 4 {
			return fmt.Errorf("want 4 components, got %d", len(parts))
		}
		var c [4]float32
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return err
			}
			c[i] = float32(f)
		}
		cfg.Renderer.BackgroundColor = c
		return nil
	})
	return err
}

func boolInto(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

func uintInto(dst *uint32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err == nil {
			*dst = uint32(n)
		}
		return err
	}
}
