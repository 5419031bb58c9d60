// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runs implements the runs command group: list, show, cancel.
// Every subcommand queries the configured backend directly.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/tombee/openworkflow/internal/cli/filter"
	"github.com/tombee/openworkflow/internal/cli/format"
	"github.com/tombee/openworkflow/internal/commands/shared"
	"github.com/tombee/openworkflow/internal/jq"
	"github.com/tombee/openworkflow/pkg/backend"
	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// NewRunsCommand creates the runs command group.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage workflow runs",
		Long: `Commands for listing, inspecting, and canceling workflow runs.

The backend named by openworkflow.yaml is queried directly; no daemon
is involved.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newCancelCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		Long: `List runs in (created, id) order, oldest first.

Status, workflow, and --filter conditions are applied while scanning, so
a page always holds up to --limit matching runs. Cursors address the
unfiltered ordering; resume with --after exactly as printed.`,
		Example: `  # Example 1: List the oldest 20 runs
  openworkflow runs list

  # Example 2: Failed runs of the nightly workflows
  openworkflow runs list --status failed --workflow "nightly/**"

  # Example 3: Stuck retries
  openworkflow runs list --filter 'status == "pending" && attempts > 3'

  # Example 4: IDs only, for scripting
  openworkflow runs list --output json --jq .id

  # Example 5: Continue from the previous page
  openworkflow runs list --after eyJjcmVhdGVkQXQiOi4uLn0=`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithBackend(func(ctx context.Context, store backend.Backend) error {
				return runsList(ctx, store, os.Stdout, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.status, "status", "", "Filter by status (pending, running, sleeping, completed, failed, canceled)")
	cmd.Flags().StringVar(&opts.workflow, "workflow", "", "Filter by workflow name glob (doublestar syntax, e.g. \"orders/**\")")
	cmd.Flags().StringVar(&opts.filterExpr, "filter", "", "Filter by expression, e.g. 'status == \"failed\" && attempts > 3'")
	cmd.Flags().StringVar(&opts.jqExpr, "jq", "", "Project each run through a jq expression")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum runs to print")
	cmd.Flags().StringVar(&opts.after, "after", "", "Resume forward from this cursor (exclusive)")
	cmd.Flags().StringVar(&opts.before, "before", "", "Page backward from this cursor (exclusive)")
	cmd.Flags().StringVar(&opts.output, "output", "table", "Output format (table, json)")

	return cmd
}

func newShowCommand() *cobra.Command {
	var opts showOptions

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run details",
		Long: `Display one workflow run: status, scheduling state, timings, output
or error, and optionally its step attempt history.`,
		Example: `  # Example 1: Show a run
  openworkflow runs show 4b93a7e2-0f59-4d5c-9c57-4f1f6f9f2a10

  # Example 2: Include the step attempt history
  openworkflow runs show 4b93a7e2-0f59-4d5c-9c57-4f1f6f9f2a10 --steps

  # Example 3: Extract the output
  openworkflow runs show 4b93a7e2-0f59-4d5c-9c57-4f1f6f9f2a10 --jq .output`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithBackend(func(ctx context.Context, store backend.Backend) error {
				return runsShow(ctx, store, os.Stdout, args[0], opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.steps, "steps", false, "Include the step attempt history")
	cmd.Flags().StringVar(&opts.jqExpr, "jq", "", "Project the run document through a jq expression")

	return cmd
}

func newCancelCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancel a pending, running, or sleeping run.

A worker holding the run's lease is not interrupted; it discovers the
cancellation on its next store write and abandons the run there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := shared.Confirm(fmt.Sprintf("Cancel run %s?", args[0]), yes)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted")
				return nil
			}
			return shared.WithBackend(func(ctx context.Context, store backend.Backend) error {
				return runsCancel(ctx, store, os.Stdout, args[0])
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

type listOptions struct {
	status     string
	workflow   string
	filterExpr string
	jqExpr     string
	limit      int
	after      string
	before     string
	output     string
}

type showOptions struct {
	steps  bool
	jqExpr string
}

// scanPageSize is the store page fetched per round while a filter is
// active; matching rows are usually sparser than store rows.
const scanPageSize = 200

// listPayload is the JSON form of one list page.
type listPayload struct {
	Runs       []backend.WorkflowRun `json:"runs"`
	NextCursor string                `json:"nextCursor,omitempty"`
	PrevCursor string                `json:"prevCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`

	backward bool
}

func runsList(ctx context.Context, store backend.Backend, out io.Writer, opts listOptions) error {
	match, err := compileMatcher(opts)
	if err != nil {
		return err
	}

	var projector *jq.Projector
	if opts.jqExpr != "" {
		if projector, err = jq.Compile(opts.jqExpr); err != nil {
			return err
		}
	}

	if opts.output != "table" && opts.output != "json" {
		return &owerrors.ValidationError{
			Field:      "output",
			Message:    fmt.Sprintf("unknown output format %q", opts.output),
			Suggestion: "use table or json",
		}
	}

	page, err := pagination(opts)
	if err != nil {
		return err
	}

	runs, payload, err := collectRuns(ctx, store, page, opts.limit, match)
	if err != nil {
		return err
	}

	if projector != nil {
		for i := range runs {
			doc, err := jq.Document(&runs[i])
			if err != nil {
				return err
			}
			if err := projector.Print(ctx, out, doc); err != nil {
				return err
			}
		}
		return nil
	}

	if opts.output == "json" || shared.GetJSON() {
		payload.Runs = runs
		return json.NewEncoder(out).Encode(payload)
	}

	renderRunsTable(out, runs, payload)
	return nil
}

// compileMatcher folds the status, glob, and expression filters into one
// predicate. All three validate up front so a typo fails before the
// store is queried.
func compileMatcher(opts listOptions) (func(*backend.WorkflowRun) (bool, error), error) {
	var status backend.Status
	if opts.status != "" {
		parsed, err := backend.ParseStatus(opts.status)
		if err != nil {
			return nil, err
		}
		status = parsed
	}

	if opts.workflow != "" && !doublestar.ValidatePattern(opts.workflow) {
		return nil, &owerrors.ValidationError{
			Field:      "workflow",
			Message:    fmt.Sprintf("invalid glob pattern %q", opts.workflow),
			Suggestion: `globs look like: orders/** or *-nightly`,
		}
	}

	var expression *filter.Filter
	if opts.filterExpr != "" {
		compiled, err := filter.Compile(opts.filterExpr)
		if err != nil {
			return nil, err
		}
		expression = compiled
	}

	if status == "" && opts.workflow == "" && expression == nil {
		return nil, nil
	}

	return func(run *backend.WorkflowRun) (bool, error) {
		if status != "" && run.Status != status {
			return false, nil
		}
		if opts.workflow != "" {
			ok, err := doublestar.Match(opts.workflow, run.WorkflowName)
			if err != nil || !ok {
				return false, err
			}
		}
		if expression != nil {
			return expression.Match(run)
		}
		return true, nil
	}, nil
}

func pagination(opts listOptions) (backend.Pagination, error) {
	page := backend.Pagination{Limit: opts.limit}
	if opts.limit < 1 {
		return page, &owerrors.ValidationError{
			Field:   "limit",
			Message: fmt.Sprintf("limit must be at least 1, got %d", opts.limit),
		}
	}
	if opts.after != "" {
		cursor, err := backend.DecodeCursor(opts.after)
		if err != nil {
			return page, err
		}
		page.After = cursor
	}
	if opts.before != "" {
		cursor, err := backend.DecodeCursor(opts.before)
		if err != nil {
			return page, err
		}
		page.Before = cursor
	}
	if err := page.Validate(); err != nil {
		return page, err
	}
	return page, nil
}

// collectRuns walks store pages until limit matching runs accumulate or
// the listing is exhausted in the requested direction. Because filters
// run client-side, the resume cursor points at the last (forward) or
// first (backward) run shown; resuming re-scans skipped rows but never
// duplicates or drops a match.
func collectRuns(ctx context.Context, store backend.Backend, page backend.Pagination, limit int, match func(*backend.WorkflowRun) (bool, error)) ([]backend.WorkflowRun, listPayload, error) {
	if match != nil {
		page.Limit = scanPageSize
	}

	var matched []backend.WorkflowRun
	payload := listPayload{backward: page.Before != nil}
	for {
		result, err := store.ListWorkflowRuns(ctx, page)
		if err != nil {
			return nil, payload, err
		}

		pageMatches := result.Items
		if match != nil {
			pageMatches = nil
			for i := range result.Items {
				ok, err := match(&result.Items[i])
				if err != nil {
					return nil, payload, err
				}
				if ok {
					pageMatches = append(pageMatches, result.Items[i])
				}
			}
		}

		if payload.backward {
			// Backward pages arrive ascending; keep the newest matches.
			matched = append(pageMatches, matched...)
			if len(matched) >= limit {
				overflow := len(matched) > limit
				matched = matched[len(matched)-limit:]
				payload.HasMore = overflow || result.HasPrev
				break
			}
			if !result.HasPrev {
				break
			}
			page.Before = result.Prev
			continue
		}

		for i := range pageMatches {
			matched = append(matched, pageMatches[i])
			if len(matched) == limit {
				payload.HasMore = i < len(pageMatches)-1 || result.HasNext
				break
			}
		}
		if len(matched) == limit || !result.HasNext {
			break
		}
		page.After = result.Next
	}

	if len(matched) > 0 {
		first := matched[0]
		last := matched[len(matched)-1]
		payload.PrevCursor = backend.NewCursor(first.CreatedAt, first.ID).Encode()
		payload.NextCursor = backend.NewCursor(last.CreatedAt, last.ID).Encode()
	}
	return matched, payload, nil
}

func renderRunsTable(out io.Writer, runs []backend.WorkflowRun, payload listPayload) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return
	}

	tty := format.IsTTY()
	table := format.NewTable(out,
		[]string{"ID", "WORKFLOW", "STATUS", "ATTEMPTS", "CREATED", "FINISHED"},
		[]int{36, 20, 11, 8, 19},
	)
	for i := range runs {
		run := &runs[i]
		table.Row(
			run.ID,
			format.Truncate(run.WorkflowName, 20),
			format.Status(run.Status, tty),
			fmt.Sprintf("%d", run.Attempts),
			format.Timestamp(&run.CreatedAt),
			format.Timestamp(run.FinishedAt),
		)
	}

	if payload.HasMore {
		if payload.backward && payload.PrevCursor != "" {
			fmt.Fprintf(out, "\nMore runs: --before %s\n", payload.PrevCursor)
		} else if !payload.backward && payload.NextCursor != "" {
			fmt.Fprintf(out, "\nMore runs: --after %s\n", payload.NextCursor)
		}
	}
}

func runsShow(ctx context.Context, store backend.Backend, out io.Writer, runID string, opts showOptions) error {
	var projector *jq.Projector
	if opts.jqExpr != "" {
		compiled, err := jq.Compile(opts.jqExpr)
		if err != nil {
			return err
		}
		projector = compiled
	}

	run, err := store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}

	var steps []backend.StepAttempt
	if opts.steps {
		if steps, err = gatherSteps(ctx, store, runID); err != nil {
			return err
		}
	}

	if projector != nil {
		doc, err := jq.Document(showPayload{WorkflowRun: run, Steps: steps})
		if err != nil {
			return err
		}
		return projector.Print(ctx, out, doc)
	}

	if shared.GetJSON() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(showPayload{WorkflowRun: run, Steps: steps})
	}

	renderRun(out, run)
	if opts.steps {
		renderSteps(out, steps)
	}
	return nil
}

// showPayload flattens the run fields and appends the optional step
// history for JSON and jq output.
type showPayload struct {
	*backend.WorkflowRun
	Steps []backend.StepAttempt `json:"steps,omitempty"`
}

func renderRun(out io.Writer, run *backend.WorkflowRun) {
	fmt.Fprintf(out, "Run ID:     %s\n", run.ID)
	fmt.Fprintf(out, "Workflow:   %s\n", run.WorkflowName)
	if run.Version != nil {
		fmt.Fprintf(out, "Version:    %s\n", *run.Version)
	}
	fmt.Fprintf(out, "Status:     %s\n", format.Status(run.Status, format.IsTTY()))
	fmt.Fprintf(out, "Attempts:   %d\n", run.Attempts)
	if run.WorkerID != nil {
		fmt.Fprintf(out, "Worker:     %s\n", *run.WorkerID)
	}

	fmt.Fprintf(out, "Created:    %s\n", format.Timestamp(&run.CreatedAt))
	if run.AvailableAt != nil {
		fmt.Fprintf(out, "Available:  %s\n", format.Timestamp(run.AvailableAt))
	}
	if run.DeadlineAt != nil {
		fmt.Fprintf(out, "Deadline:   %s\n", format.Timestamp(run.DeadlineAt))
	}
	if run.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", format.Timestamp(run.StartedAt))
	}
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:   %s\n", format.Timestamp(run.FinishedAt))
		if run.StartedAt != nil {
			fmt.Fprintf(out, "Duration:   %s\n", run.FinishedAt.Sub(*run.StartedAt))
		}
	}

	if len(run.Input) > 0 {
		fmt.Fprintf(out, "\nInput:\n%s\n", indentJSON(run.Input))
	}
	if len(run.Output) > 0 {
		fmt.Fprintf(out, "\nOutput:\n%s\n", indentJSON(run.Output))
	}
	if run.Error != nil {
		fmt.Fprintf(out, "\nError:      %s\n", run.Error.Message)
		if run.Error.Name != "" {
			fmt.Fprintf(out, "Error type: %s\n", run.Error.Name)
		}
	}
}

func renderSteps(out io.Writer, steps []backend.StepAttempt) {
	fmt.Fprintf(out, "\nSteps (%d attempts):\n", len(steps))
	if len(steps) == 0 {
		return
	}

	tty := format.IsTTY()
	table := format.NewTable(out,
		[]string{"NAME", "KIND", "STATUS", "STARTED", "FINISHED", "ERROR"},
		[]int{24, 9, 10, 19, 19},
	)
	for i := range steps {
		step := &steps[i]
		errMsg := "-"
		if step.Error != nil {
			errMsg = format.Truncate(step.Error.Message, 48)
		}
		table.Row(
			format.Truncate(step.StepName, 24),
			string(step.Kind),
			format.StepStatus(step.Status, tty),
			format.Timestamp(step.StartedAt),
			format.Timestamp(step.FinishedAt),
			errMsg,
		)
	}
}

// gatherSteps loads the run's full attempt history, page by page, in the
// order the workflow function reached them.
func gatherSteps(ctx context.Context, store backend.Backend, runID string) ([]backend.StepAttempt, error) {
	var steps []backend.StepAttempt
	page := backend.Pagination{Limit: backend.MaxPageLimit}
	for {
		result, err := store.ListStepAttempts(ctx, runID, page)
		if err != nil {
			return nil, err
		}
		steps = append(steps, result.Items...)
		if !result.HasNext {
			return steps, nil
		}
		page.After = result.Next
	}
}

func runsCancel(ctx context.Context, store backend.Backend, out io.Writer, runID string) error {
	run, err := store.CancelWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, format.RenderOK(fmt.Sprintf("Run %s canceled", run.ID)))
	return nil
}

func indentJSON(raw json.RawMessage) string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "  " + string(raw)
	}
	buf, err := json.MarshalIndent(doc, "  ", "  ")
	if err != nil {
		return "  " + string(raw)
	}
	return "  " + string(buf)
}
