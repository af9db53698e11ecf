// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

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
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/ml/train/metrics"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// MaxUpdates is the number of updates during a run with a known number of steps, besides the ones
// triggered by RefreshPeriod.
var MaxUpdates int64 = 1000

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered in the train.Loop.
const ProgressBarName = "kdiffusion.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out            io.Writer
	bar            *progressbar.ProgressBar
	trainMetrics   []metrics.Interface
	extraMetricFns []ExtraMetricFn

	numSteps, updateEvery int64
	lastStepReported      int64
	lastUpdate            time.Time

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount  int64
	rows    [][2]string
	isFinal bool
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that every time
// the Loop is run, it will display a progress bar with the progression and a table with the trainMetrics
// (see metrics.DefaultTrainMetrics).
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the table.
//
// Only the main worker should attach a progress bar.
func AttachProgressBar(loop *train.Loop, trainMetrics []metrics.Interface, extraMetrics ...ExtraMetricFn) {
	pBar := newProgressBar(os.Stdout, trainMetrics, extraMetrics)
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func newProgressBar(out io.Writer, trainMetrics []metrics.Interface, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		trainMetrics:   trainMetrics,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
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
	return pBar
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.Step
	pBar.lastUpdate = time.Now()
	pBar.isFirstOutput = true
	if loop.EndStep < 0 {
		pBar.numSteps = -1 // Spinner.
		pBar.updateEvery = 0
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.updateEvery = max(1, pBar.numSteps/MaxUpdates)
	}
	for _, metric := range pBar.trainMetrics {
		metric.Reset()
	}
	pBar.bar = progressbar.NewOptions64(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionSetWriter(pBar.out),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)

	// Asynchronously draw updates: this is handy if the training is faster than the terminal, in particular
	// if running on cloud, with a relatively slow network connection.
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

// onStep updates the metrics at every step, but only enqueues an update for display every updateEvery
// steps, or after RefreshPeriod.
func (pBar *progressBar) onStep(loop *train.Loop, stepMetrics train.StepMetrics) error {
	for _, metric := range pBar.trainMetrics {
		metric.Update(stepMetrics)
	}
	amount := loop.Step + 1 - pBar.lastStepReported // +1 because the current step is finished.
	if amount <= 0 {
		return nil
	}
	isLast := loop.EndStep >= 0 && loop.Step+1 >= loop.EndStep
	periodic := pBar.updateEvery > 0 && (loop.Step+1-loop.StartStep)%pBar.updateEvery == 0
	if !isLast && !periodic && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	pBar.enqueue(loop, amount, isLast)
	pBar.lastStepReported = loop.Step + 1
	pBar.lastUpdate = time.Now()
	return nil
}

func (pBar *progressBar) enqueue(loop *train.Loop, amount int64, isFinal bool) {
	update := progressBarUpdate{amount: amount, isFinal: isFinal}
	stepStr := humanize.Comma(loop.Step)
	if loop.EndStep >= 0 {
		stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(loop.EndStep-1))
	}
	update.rows = append(update.rows,
		[2]string{"Epoch / Step", fmt.Sprintf("%s / %s", humanize.Comma(loop.Epoch), stepStr)},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())})
	for _, metric := range pBar.trainMetrics {
		update.rows = append(update.rows, [2]string{metric.Name(), metric.PrettyPrint(metric.Value())})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
}

func (pBar *progressBar) drawUpdates() {
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

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		table := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, table)
		_ = pBar.bar.Add64(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.numLinesPrinted = lipgloss.Height(table) + 1
		pBar.termenv.ShowCursor()
		if !update.isFinal {
			time.Sleep(maxUpdateFrequency)
		}
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ train.StepMetrics) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}
