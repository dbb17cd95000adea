// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// splitbn trains the running statistics of a split batch normalization layer on a synthetic Gaussian
// dataset, data-parallel over a group of replicas, and reports how close they get to the true moments.
//
// Example:
//
//	splitbn -replicas=4 -batch=128 -steps=500 -set="splitbn_split_num=2;splitbn_decay=0.05" -plot=~/drift.png
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/gomlx/splitbn/pkg/ml/train/commandline"
	"github.com/gomlx/splitbn/pkg/ml/train/metrics"
	"github.com/gomlx/splitbn/pkg/support/sets"
	"github.com/gomlx/splitbn/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// layerScope is the scope of the layer variables. Settings like "/bn/splitbn_decay=0.01" only apply to it.
const layerScope = "bn"

var (
	flagMeans = xslices.Flag("means", []float64{-2, 0, 5},
		"Comma-separated true means of the features of the synthetic dataset.", parseFloat)

	flagStdDevs = xslices.Flag("stddevs", []float64{1, 0.5, 3},
		"Comma-separated true standard deviations of the features, one per mean.", parseFloat)

	flagSpatialDims = xslices.Flag("spatial", nil,
		"Comma-separated spatial dimensions of the examples, between the batch and the feature axes.", strconv.Atoi)

	flagDType     = flag.String("dtype", "float32", "DType of the examples: float16, float32 or float64.")
	flagBatchSize = flag.Int("batch", 64, "Global batch size, sharded over the replicas.")
	flagReplicas  = flag.Int("replicas", 2, "Number of replicas the global batch is sharded over.")
	flagSteps     = flag.Int("steps", 200, "Number of training steps. Ignored if -epochs is set.")
	flagEpochs    = flag.Int("epochs", 0, "If > 0, train for these many epochs of -batches_per_epoch batches.")
	flagSeed      = flag.Uint64("seed", 42, "Seed of the synthetic dataset.")
	flagParallel  = flag.Bool("parallel", false, "Generate the batches in parallel goroutines.")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar while training.")

	flagBatchesPerEpoch = flag.Int("batches_per_epoch", 50, "Number of batches per epoch, used with -epochs.")

	flagRecompute = flag.Bool("recompute", false,
		"After training, recompute the running statistics with the exact moments of -batches_per_epoch "+
			"new batches.")

	flagMetrics = flag.String("metrics", "",
		"Comma-separated short names of the metrics to track while training. Empty tracks all of them.")

	flagSaveStats = flag.String("save_stats", "", "If set, saves the running statistics to this NumPy .npz file, "+
		"with the arrays \"mean\" and \"variance\".")

	flagPlot = flag.String("plot", "", "If set, saves a plot of the drift of the running statistics "+
		"per step to this PNG file.")
)

func parseFloat(str string) (float64, error) {
	return strconv.ParseFloat(str, 64)
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Parameters set with -set: %q", paramsSet)
	if err := run(ctx); err != nil {
		klog.Errorf("splitbn failed: %+v", err)
		os.Exit(1)
	}
}

// createDefaultContext with the default hyperparameters of the layer, so they can be set with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	cfg := splitbn.DefaultConfig()
	ctx.SetParams(map[string]any{
		splitbn.ParamSplitNum: 4,
		splitbn.ParamEpsilon:  cfg.Epsilon,
		splitbn.ParamDecay:    cfg.Decay,
	})
	return ctx
}

func run(ctx *context.Context) error {
	dtype, err := dtypes.FromName(*flagDType)
	if err != nil {
		return err
	}
	gaussian, err := newGaussian(dtype, *flagSeed)
	if err != nil {
		return err
	}
	var ds train.Dataset = gaussian
	if *flagParallel {
		pds := datasets.Parallel(gaussian)
		defer pds.Done()
		ds = pds
	}
	if *flagEpochs > 0 {
		ds = datasets.Take(ds, *flagBatchesPerEpoch)
	}

	layerCtx := ctx.In(layerScope)
	layer, err := splitbn.New(layerCtx, gaussian.NumFeatures(), dtype, splitbn.FromContext(layerCtx))
	if err != nil {
		return err
	}
	grp, err := replicas.New(ctx, layer, *flagReplicas)
	if err != nil {
		return err
	}
	defer grp.Finalize()

	trainMetrics, err := selectMetrics(*flagMetrics)
	if err != nil {
		return err
	}
	loop := train.NewLoop(grp, trainMetrics...)
	if *flagProgress {
		commandline.AttachProgressBar(loop, func() (name, value string) {
			return "Replicas", strconv.Itoa(grp.NumReplicas())
		})
	}
	var drift *driftRecorder
	if *flagPlot != "" {
		drift = attachDriftRecorder(loop, gaussian.Means(), gaussian.StdDevs())
	}

	if *flagEpochs > 0 {
		_, err = loop.RunEpochs(ds, *flagEpochs)
	} else {
		_, err = loop.RunSteps(ds, *flagSteps)
	}
	if err != nil {
		return err
	}
	printHyperparameters(ctx)
	if err = printRunningStats("Running statistics", loop, gaussian); err != nil {
		return err
	}

	if *flagRecompute {
		// One epoch of batches not seen in training.
		recomputeDS, err := newGaussian(dtype, *flagSeed+1)
		if err != nil {
			return err
		}
		if _, err = train.RecomputeRunningAverages(grp, recomputeDS.TakeN(*flagBatchesPerEpoch)); err != nil {
			return err
		}
		if err = printRunningStats("Recomputed running statistics", loop, gaussian); err != nil {
			return err
		}
	}
	if *flagSaveStats != "" {
		if err = saveRunningStats(grp.Layer().Tracker(), *flagSaveStats); err != nil {
			return err
		}
		fmt.Printf("Running statistics saved to %q\n", *flagSaveStats)
	}
	if drift != nil {
		if err = drift.save(*flagPlot); err != nil {
			return err
		}
		fmt.Printf("Drift plot saved to %q\n", *flagPlot)
	}
	return nil
}

// newGaussian creates the synthetic dataset configured by the flags.
func newGaussian(dtype dtypes.DType, seed uint64) (*datasets.Gaussian, error) {
	gaussian, err := datasets.NewGaussian("gaussian", *flagBatchSize, *flagMeans, *flagStdDevs)
	if err != nil {
		return nil, err
	}
	return gaussian.WithDType(dtype).WithSpatialDims(*flagSpatialDims...).WithSeed(seed), nil
}

// selectMetrics returns the training metrics listed by their short names, or all of them if shortNames is empty.
func selectMetrics(shortNames string) ([]metrics.Interface, error) {
	all := allMetrics()
	if shortNames == "" {
		return all, nil
	}
	selected := sets.Make[string]()
	for _, name := range strings.Split(shortNames, ",") {
		selected.Insert(strings.TrimSpace(name))
	}
	var trainMetrics []metrics.Interface
	known := sets.Make[string]()
	for _, m := range all {
		known.Insert(m.ShortName())
		if selected.Has(m.ShortName()) {
			trainMetrics = append(trainMetrics, m)
		}
	}
	if unknown := selected.Sub(known); len(unknown) > 0 {
		return nil, errors.Errorf("unknown metrics %q in -metrics, valid values are %q",
			sets.Sorted(unknown), sets.Sorted(known))
	}
	return trainMetrics, nil
}
