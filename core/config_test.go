package core_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/starforge/core"
)

func TestLoadConfiguration(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(c.TempDir(), "starforge.toml")
	err := os.WriteFile(path, []byte(`
[general]
app_name = "seat0"
debug = true

[renderer]
vsync = false
hdr = true
background_color = [0.0, 0.5, 1.0, 1.0]
`), 0o644)
	c.Assert(err, qt.IsNil)

	cfg, err := core.LoadConfiguration(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.General.AppName, qt.Equals, "seat0")
	c.Assert(cfg.General.Debug, qt.IsTrue)
	c.Assert(cfg.Renderer.VSync, qt.IsFalse)
	c.Assert(cfg.Renderer.HDR, qt.IsTrue)
	c.Assert(cfg.Renderer.BackgroundColor, qt.Equals, [4]float32{0, 0.5, 1, 1})

	// untouched keys keep their defaults
	c.Assert(cfg.Renderer.SwapchainSize, qt.Equals, uint32(3))
	c.Assert(cfg.Time.FramesPerSecond, qt.Equals, 60)
	c.Assert(cfg.Renderer.AcquireTimeout(), qt.Equals, time.Second)
}

func TestLoadConfigurationMissing(t *testing.T) {
	c := qt.New(t)

	_, err := core.LoadConfiguration(filepath.Join(c.TempDir(), "nope.toml"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestLoadConfigurationMalformed(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(c.TempDir(), "bad.toml")
	c.Assert(os.WriteFile(path, []byte("[renderer\nvsync = "), 0o644), qt.IsNil)

	_, err := core.LoadConfiguration(path)
	c.Assert(err, qt.ErrorMatches, `(?s).*bad\.toml.*`)
}

func TestSaveConfiguration(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(c.TempDir(), "out.toml")
	want := core.DefaultConfiguration()
	want.Renderer.DeviceExtensions = []string{"VK_EXT_hdr_metadata"}
	want.Time.EventPollDelay = 10
	c.Assert(want.Save(path), qt.IsNil)

	got, err := core.LoadConfiguration(path)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, want)
}

func TestApplyEnvironment(t *testing.T) {
	c := qt.New(t)

	envFile := filepath.Join(c.TempDir(), ".env")
	err := os.WriteFile(envFile, []byte("STARFORGE_HDR=true\nSTARFORGE_WIDTH=2560\n"), 0o644)
	c.Assert(err, qt.IsNil)

	c.Setenv(core.EnvVSync, "false")
	c.Setenv(core.EnvBackground, "1, 0, 0, 1")
	c.Setenv(core.EnvWidth, "1920")
	os.Unsetenv(core.EnvHDR)
	c.Cleanup(func() { os.Unsetenv(core.EnvHDR) })

	cfg := core.DefaultConfiguration()
	c.Assert(core.ApplyEnvironment(&cfg, envFile, filepath.Join(c.TempDir(), "missing.env")), qt.IsNil)

	c.Assert(cfg.Renderer.VSync, qt.IsFalse)
	c.Assert(cfg.Renderer.BackgroundColor, qt.Equals, [4]float32{1, 0, 0, 1})
	c.Assert(cfg.Renderer.HDR, qt.IsTrue)
	// the process environment wins over the file
	c.Assert(cfg.Renderer.ScreenWidth, qt.Equals, uint32(1920))
}

func TestApplyEnvironmentInvalid(t *testing.T) {
	c := qt.New(t)

	c.Setenv(core.EnvFPS, "fast")
	cfg := core.DefaultConfiguration()
	err := core.ApplyEnvironment(&cfg)
	c.Assert(err, qt.ErrorMatches, "STARFORGE_FPS: .*")
	c.Assert(cfg.Time.FramesPerSecond, qt.Equals, 60)
}

func TestTime(t *testing.T) {
	c := qt.New(t)

	tm := core.NewTime(core.TimeConfiguration{FramesPerSecond: 50, EventPollDelay: 4})
	defer tm.Stop()

	c.Assert(tm.Fps(), qt.Equals, 50)
	c.Assert(tm.FrameInterval(), qt.Equals, 20*time.Millisecond)
	c.Assert(tm.EventPollDelay(), qt.Equals, 4*time.Millisecond)

	select {
	case <-tm.FpsTicker().C:
	case <-time.After(time.Second):
		c.Fatal("frame ticker did not fire")
	}
}
