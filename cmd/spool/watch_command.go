package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"spool/internal/api"
	"spool/internal/reconcile"
	"spool/internal/stream"
	"spool/internal/watch"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOBID",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			return watchJob(cmd, ctx, client, strings.TrimSpace(args[0]))
		},
	}
}

func watchJob(cmd *cobra.Command, _ *commandContext, client *api.Client, jobID string) error {
	out := cmd.OutOrStdout()
	store := reconcile.NewStore(jobID)
	printer := newWatchPrinter(out, store)

	mgr := watch.New(client, store,
		watch.WithResolver(client),
		watch.WithNotify(printer.signal),
	)
	defer mgr.Teardown()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(cmd.Context()) }()

	choices := readChoices(cmd.InOrStdin())

	fmt.Fprintf(out, "watching job %s\n", jobID)
	for {
		select {
		case <-printer.updates:
			printer.flush()
		case line, ok := <-choices:
			if !ok {
				choices = nil
				continue
			}
			printer.flush()
			prompt, active := store.ActivePrompt()
			if !active {
				continue
			}
			choice, err := parseChoiceKey(line)
			if err != nil {
				fmt.Fprintf(out, "%v\n", err)
				printer.reprompt(prompt)
				continue
			}
			if err := mgr.ResolveActive(cmd.Context(), choice); err != nil {
				fmt.Fprintf(out, "resolve failed: %v\n", wrapAPIError(err))
				printer.reprompt(prompt)
				continue
			}
			fmt.Fprintf(out, "  -> %s\n", choice)
			printer.flush()
		case err := <-runErr:
			printer.flush()
			if err != nil && !errors.Is(err, watch.ErrExhausted) {
				return err
			}
			job := store.Job()
			if job.Status == stream.StatusError {
				if job.Error != "" {
					return errors.New(job.Error)
				}
				return errors.New("job failed")
			}
			return nil
		}
	}
}

// readChoices feeds stdin lines to the watch loop so prompt input never
// blocks event rendering.
func readChoices(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// parseChoiceKey maps the single-key prompt answers to choices; full words
// like "overwrite_all" are accepted too.
func parseChoiceKey(line string) (stream.Choice, error) {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "o":
		return stream.ChoiceOverwrite, nil
	case "O":
		return stream.ChoiceOverwriteAll, nil
	case "s":
		return stream.ChoiceSkip, nil
	case "S":
		return stream.ChoiceSkipAll, nil
	case "r":
		return stream.ChoiceRename, nil
	case "R":
		return stream.ChoiceRenameAll, nil
	case "c", "C":
		return stream.ChoiceCancel, nil
	}
	return stream.ParseChoice(trimmed)
}

// watchPrinter renders store changes append-only: status transitions, task
// progress at integer-percent granularity, new log lines, and duplicate
// prompts. It never redraws, so output stays readable when piped.
type watchPrinter struct {
	out     io.Writer
	store   *reconcile.Store
	updates chan struct{}

	mu           sync.Mutex
	lastStatus   stream.JobStatus
	lastMessage  string
	lastPercent  map[string]int
	doneShown    map[string]bool
	lastLog      reconcile.LogEntry
	haveLog      bool
	promptShown  string
	outcomeShown bool
}

func newWatchPrinter(out io.Writer, store *reconcile.Store) *watchPrinter {
	return &watchPrinter{
		out:         out,
		store:       store,
		updates:     make(chan struct{}, 1),
		lastPercent: make(map[string]int),
		doneShown:   make(map[string]bool),
	}
}

// signal coalesces notifications; flush runs on the watch loop goroutine.
func (p *watchPrinter) signal() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *watchPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	job := p.store.Job()
	if job.Status != p.lastStatus || job.Message != p.lastMessage {
		p.printStatusLocked(job)
		p.lastStatus = job.Status
		p.lastMessage = job.Message
	}

	for _, task := range p.store.Tasks() {
		percent := int(task.Percent)
		if task.Done && !p.doneShown[task.ID] {
			fmt.Fprintf(p.out, "  %s: done (%s)\n", taskName(task), formatBytes(task.Current))
			p.doneShown[task.ID] = true
			p.lastPercent[task.ID] = 100
			continue
		}
		if !task.Done && percent != p.lastPercent[task.ID] {
			if task.Total > 0 {
				fmt.Fprintf(p.out, "  %s: %3d%% (%s / %s)\n", taskName(task), percent,
					formatBytes(task.Current), formatBytes(task.Total))
			} else {
				fmt.Fprintf(p.out, "  %s: %s\n", taskName(task), formatBytes(task.Current))
			}
			p.lastPercent[task.ID] = percent
		}
	}

	p.printLogsLocked()

	if prompt, ok := p.store.ActivePrompt(); ok {
		if prompt.ID != p.promptShown {
			p.printPromptLocked(prompt)
			p.promptShown = prompt.ID
		}
	} else {
		p.promptShown = ""
	}

	if job.Status.Terminal() && !p.outcomeShown {
		p.printOutcomeLocked(job)
		p.outcomeShown = true
	}
}

func (p *watchPrinter) printStatusLocked(job reconcile.Job) {
	if job.Message != "" {
		fmt.Fprintf(p.out, "status: %s (%s)\n", job.Status, job.Message)
		return
	}
	fmt.Fprintf(p.out, "status: %s\n", job.Status)
}

// printLogsLocked prints the suffix of the log ring past the last printed
// entry. When the ring was replaced wholesale by a snapshot the anchor can
// vanish; the retained tail is printed again rather than losing it.
func (p *watchPrinter) printLogsLocked() {
	logs := p.store.Logs()
	if len(logs) == 0 {
		return
	}
	start := 0
	if p.haveLog {
		start = len(logs)
		for i := len(logs) - 1; i >= 0; i-- {
			if logs[i] == p.lastLog {
				start = i + 1
				break
			}
		}
	}
	for _, entry := range logs[start:] {
		fmt.Fprintf(p.out, "  [%s] %s\n", entry.Level, entry.Message)
	}
	p.lastLog = logs[len(logs)-1]
	p.haveLog = true
}

func (p *watchPrinter) printPromptLocked(prompt reconcile.Prompt) {
	fmt.Fprintf(p.out, "duplicate: %s already exists at %s\n", prompt.Filename, prompt.Path)
	fmt.Fprintln(p.out, "  [o]verwrite  [O]verwrite all  [s]kip  [S]kip all  [r]ename  [R]ename all  [c]ancel")
}

// reprompt re-shows the option line after a rejected or failed answer.
func (p *watchPrinter) reprompt(prompt reconcile.Prompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printPromptLocked(prompt)
}

func (p *watchPrinter) printOutcomeLocked(job reconcile.Job) {
	switch {
	case job.Status == stream.StatusComplete && job.Stats != nil:
		fmt.Fprintf(p.out, "job complete: %d of %d download(s) succeeded\n", job.Stats.Succeeded, job.Stats.Total)
	case job.Status == stream.StatusComplete:
		fmt.Fprintln(p.out, "job complete")
	case job.Error != "":
		fmt.Fprintf(p.out, "job failed: %s\n", job.Error)
	default:
		fmt.Fprintln(p.out, "job failed")
	}
}

func taskName(task reconcile.Task) string {
	if task.Label != "" {
		return task.Label
	}
	return task.ID
}

func formatBytes(n int64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.2f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.1f KiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
