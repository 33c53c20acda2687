// Command starforgecli prints the physical devices Vulkan reports, and
// whether starforge can drive outputs on them, as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/starforge/core"
	"github.com/devblok/starforge/device/vulkan"
)

var (
	indent     = flag.Bool("indent", false, "indent the output")
	configPath = flag.String("config", "", "path to a TOML configuration file")
)

func main() {
	flag.Parse()

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

	caps := core.DefaultCapabilities()
	caps.Optional = append(caps.Optional, cfg.Renderer.DeviceExtensions...)
	reports, err := core.DescribeDevices(vulkan.NewDriver(nil), core.ContextInfo{
		AppName:      cfg.General.AppName,
		Capabilities: &caps,
	})
	if err != nil {
		log.WithError(err).Fatal("describing devices")
	}

	var bytes []byte
	if *indent {
		bytes, err = json.MarshalIndent(reports, "", "  ")
	} else {
		bytes, err = json.Marshal(reports)
	}
	if err != nil {
		log.WithError(err).Fatal("encoding report")
	}
	fmt.Printf("%s\n", bytes)
}
