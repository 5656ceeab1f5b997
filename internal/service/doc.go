package service

// Package service runs suites of validation cases and publishes the outcomes.
//
// Overview
// The Supervisor owns a list of cases and a CaseRunner, usually an
// isolation.Runner, which executes every case in a fresh worker process.
// A suite runs the cases up to Parallel at a time and turns every
// outcome into a Record, which is handed to each Reporter.
//
// Modes:
//   - oneshot: the suite runs once, Do returns a *SuiteError when a case
//     did not pass.
//   - soak: the suite runs on entry and then on every scheduler tick.
//     A tick arriving while a suite is still running is skipped.
//
// Data flow:
//
//   Supervisor          CaseRunner               worker
//       |                   |                       |
//   RunSuite -> runOne ---->| RunIsolated() ------->| _worker <channel>
//       |                   |<---- Report (ipc) ----|
//       |<---- Outcome -----|                       | exit
//       | report(Record) -> stdout, dir, webhook, history
//
// Invariants:
//   - Every case of a suite produces exactly one Record.
//   - Records are reported in the order the workers finished.
//   - A reporter failure does not change the outcome of a case.
//
// StatusServer exposes the history store over HTTP in soak mode.
