// camtrap-eval evaluates a trained camera-trap image classifier on a batch
// of held-out images, and optionally writes its ROC curve.
//
// Example:
//
//	camtrap-eval --config=resnet18 --tag=baseline
//
// The tag selects which checkpoint directory to load the weights from, so it
// should match the tag used during training.
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
		"Tag of the experiment to evaluate, matching the tag used for training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(camtrap.LoadConfig(*flagConfig))
	engine := must.M1(camtrap.NewEngine(cfg, *flagTag))
	must.M(engine.Eval())
}
