// Package scout is the agent execution core of a computer-use automation
// system: an LLM plans high-level UI actions from screenshots, a grounding
// model resolves element descriptions into screen coordinates, and every
// grounded action passes a user review gate before it runs on the controlled
// machine.
//
// # Quick Start
//
// Wire a Loop to a persistence backend, an LLM provider, and an
// OS-automation endpoint, then drive sessions through a Manager:
//
//	store, _ := fs.New("sessions")
//	gen := gemini.New(apiKey)
//	runtime := scout.NewRuntime(automation.New(endpoint))
//
//	loop := scout.NewLoop(store, gen, runtime, "gemini-2.5-pro")
//	manager := scout.NewManager(store, loop)
//
//	sess, _ := manager.UserInput(ctx, scout.UserInputRequest{
//		Input: "Open the settings panel",
//		Model: "gemini-2.5-pro",
//	})
//	events, cancel := manager.Subscribe(sess.ID, 64)
//
// Each turn captures a screenshot, tiles it into overlapping squares for the
// vision model, streams a plan, grounds the requested tool calls into
// coordinates, and either executes them (when the tool is in the session's
// accept-set) or suspends until Manager.ToolReview resolves every pending
// request.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Generator] — LLM backend (streamed planning, bounded-JSON detection)
//   - [ComputerRunner] — low-level action execution on the controlled machine
//   - [Store] — append-only session persistence (metadata, log, images)
//   - [Tool] — auxiliary capability outside the computer catalog
//   - [Tracer] — optional span instrumentation (see the observer package)
//
// Implementations live in subpackages: provider/gemini, automation,
// store/fs, store/sqlite, store/postgres, and observer.
package scout
