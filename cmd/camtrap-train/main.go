// camtrap-train trains a camera-trap image classifier using one of the
// bundled configuration presets or a configuration file.
//
// Examples:
//
//	camtrap-train --config=resnet18 --tag=baseline
//	camtrap-train --config=./my_experiment.yaml
//
// Training resumes from the checkpoint directory if the same model and tag
// were trained before.
package main

import (
	"flag"
	"fmt"
	"strings"

	camtrap "github.com/UMassCDS/DS4CG"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig = flag.String("config", "resnet18",
		fmt.Sprintf("Configuration to use: a bundled preset (%s) or a path to a YAML file.",
			strings.Join(camtrap.ListConfigs(), ", ")))
	flagTag = flag.String("tag", "",
		"Tag identifying this experiment, used in checkpoint and artifact names. "+
			"If empty a random tag is generated.")
	flagProgress = flag.Bool("progress", true, "Show a progress bar during training epochs.")
	flagList     = flag.Bool("list", false, "List the bundled configuration presets and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagList {
		fmt.Println(strings.Join(camtrap.ListConfigs(), "\n"))
		return
	}

	cfg := must.M1(camtrap.LoadConfig(*flagConfig))
	engine := must.M1(camtrap.NewEngine(cfg, *flagTag, camtrap.WithProgress(*flagProgress)))
	must.M(engine.Train())
}
