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

// Package workflow is the user-facing API of the durable workflow engine:
// declaring and implementing workflows, enqueuing runs, and hosting workers
// that execute them.
//
// A workflow is an ordinary Go function that receives a *Run and drives its
// side effects through the run's *Step handle. Each named step executes at
// most once per run: its output is memoized in the backend, and every later
// execution pass of the same run replays the function with completed steps
// short-circuiting from the memo. The function must therefore be
// deterministic between steps, while the steps themselves may do anything.
//
//	def, _ := client.DefineWorkflow(workflow.WorkflowConfig{Name: "greeting"},
//		func(ctx context.Context, run *workflow.Run) (any, error) {
//			out, err := run.Step.Run(ctx, workflow.StepConfig{Name: "generate"},
//				func(ctx context.Context) (any, error) {
//					return "Hello, " + string(run.Input) + "!", nil
//				})
//			if err != nil {
//				return nil, err
//			}
//			return json.RawMessage(out), nil
//		})
//
// Durability comes from the backend, not from the process: a worker crash
// mid-run loses nothing but the lease. Another worker claims the run once
// the lease expires and replays the function from the memo.
//
// Control flow between the step API and the engine travels as sentinel
// error values (*SleepSignal, *StepError). User code is expected to return
// them unmodified; wrapping them with %w also works.
package workflow
