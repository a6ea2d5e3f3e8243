// Command overlay renders the tumour predictions of one slide as an RGBA
// overlay for a deep-zoom viewer, next to ground truth and patch index JSON.
//
// Examples:
//
//	# Default two-tone overlay, constant opacity on covered pixels.
//	overlay -pkl preds.pkl -slide-id test_001 -base-dzi slides/test_001/base.dzi -out-dir out/test_001
//
//	# Heatmap colours, alpha following the probability, with a legend and manifest.
//	overlay -pkl preds.pkl -slide-id test_001 -base-dzi base.dzi -out-dir out -colormap heatmap -alpha-mode value -legend -manifest
//
//	# Re-render whenever the predictions or descriptor change.
//	overlay -pkl preds.pkl -slide-id test_001 -base-dzi base.dzi -out-dir out -watch -verbose
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pathviz/slide-overlay/colormap"
	"github.com/pathviz/slide-overlay/pipeline"
	"github.com/pathviz/slide-overlay/watch"
)

var (
	cfg       = pipeline.DefaultConfig()
	alphaMode string
	colorMap  string
	watchMode bool
)

func init() {
	flag.StringVar(&cfg.PredictionsPath, "pkl", "", "serialized prediction mapping, pickle or .json (required)")
	flag.StringVar(&cfg.SlideID, "slide-id", "", "slide id to render (required)")
	flag.StringVar(&cfg.DescriptorPath, "base-dzi", "", "deep-zoom descriptor of the level 2 base image (required)")
	flag.StringVar(&cfg.OutDir, "out-dir", "", "output directory, created if absent (required)")
	flag.IntVar(&cfg.PatchSize, "patch-size", cfg.PatchSize, "patch size in level 2 pixels")
	flag.StringVar(&alphaMode, "alpha-mode", string(cfg.AlphaMode), `alpha strategy: "mask" for constant alpha on covered pixels, "value" for alpha proportional to probability`)
	flag.IntVar(&cfg.Opacity, "opacity", cfg.Opacity, "opacity 0..255 when alpha-mode=mask")
	flag.StringVar(&colorMap, "colormap", string(cfg.ColorMap), `colour mapping: "twotone" (blue to red) or "heatmap"`)
	flag.BoolVar(&cfg.Index, "index", cfg.Index, "write gt_patches.json and patches_index.json")
	flag.BoolVar(&cfg.Manifest, "manifest", cfg.Manifest, "write manifest.json for the viewer")
	flag.StringVar(&cfg.OverlayDZI, "overlay-dzi", cfg.OverlayDZI, "overlay pyramid descriptor referenced by the manifest")
	flag.BoolVar(&cfg.Legend, "legend", cfg.Legend, "write legend.png with the colour bar")
	flag.IntVar(&cfg.Preview, "preview", cfg.Preview, "if > 0, write overlay_preview.png fitting this many pixels square")
	flag.Float64Var(&cfg.Blur, "blur", cfg.Blur, "gaussian blur sigma to soften patch boundaries, 0 disables")
	flag.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "decision threshold for the FP/FN summary")
	flag.BoolVar(&watchMode, "watch", false, "keep running and re-render when inputs change")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "print verbose output")
}

func usage() {
	log.Println("usage: overlay -pkl file -slide-id id -base-dzi file -out-dir dir [flags]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
	}
	os.Exit(main0())
}

func main0() int {
	cfg.AlphaMode = colormap.AlphaMode(alphaMode)
	cfg.ColorMap = colormap.Name(colorMap)

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := p.Run(ctx)
	if err != nil {
		log.Printf("error: %v", err)
		if !watchMode {
			return 1
		}
	} else {
		report(res)
	}
	if !watchMode {
		return 0
	}

	w, err := watch.New([]string{cfg.PredictionsPath, cfg.DescriptorPath}, func() error {
		res, err := p.Run(ctx)
		if err == nil {
			report(res)
		}
		return err
	}, watch.Opts{Verbose: cfg.Verbose})
	if err != nil {
		log.Printf("new watcher: %v", err)
		return 1
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return 0
		case ev := <-w.Events:
			if ev.Err != nil {
				log.Printf("error: %v", ev.Err)
			}
		}
	}
}

func report(res *pipeline.Result) {
	fmt.Println(res)
	if cfg.Verbose && res.Confusion != nil {
		log.Printf("%d patches, %d tumour, %s", res.Patches, res.Tumour, res.Confusion)
	}
}
