// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that gives extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks attached to the train.Loop.
const ProgressBarName = "splitbn.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	bar              *progressbar.ProgressBar
	lastStepReported int64

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
	finish bool
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	numSteps := int64(-1)
	if loop.EndStep >= 0 {
		numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions64(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionSetWriter(pBar.out),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so the training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.asyncUpdates()
	return nil
}

// asyncUpdates draws the updates, so the training is not slowed down by a slow terminal.
func (pBar *progressBar) asyncUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		if !update.finish {
			time.Sleep(maxUpdateFrequency)
		}
	}
}

func (pBar *progressBar) onStep(loop *train.Loop, values []float64) error {
	amount := int(loop.LoopStep + 1 - pBar.lastStepReported) // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	pBar.lastStepReported = loop.LoopStep + 1
	pBar.updates <- pBar.newUpdate(loop, values, amount)
	return nil
}

func (pBar *progressBar) newUpdate(loop *train.Loop, values []float64, amount int) progressBarUpdate {
	update := progressBarUpdate{amount: amount}
	stepStr := humanize.Comma(loop.LoopStep)
	if loop.EndStep >= 0 {
		stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(loop.EndStep))
	}
	update.rows = append(update.rows,
		[2]string{"Step", stepStr},
		[2]string{"Median step duration", FormatDuration(loop.MedianTrainStepDuration())})
	if loop.LastResult != nil {
		update.rows = append(update.rows, [2]string{"Examples per step", humanize.Comma(int64(loop.LastResult.Moments.Count))})
	}
	for ii, m := range loop.Metrics() {
		if ii < len(values) {
			update.rows = append(update.rows, [2]string{m.Name(), m.PrettyPrint(values[ii])})
		}
	}
	return update
}

func (pBar *progressBar) onEnd(loop *train.Loop, values []float64) error {
	if pBar.updates != nil {
		update := pBar.newUpdate(loop, values, 0)
		update.finish = true
		pBar.updates <- update
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every time Loop is run, it displays a progress bar with the progression and the metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, extraMetrics...)
}

func attachProgressBar(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
