package main

import "testing"

// The run and runs commands both expose --state but with different
// defaults; sharing one variable would let the runs default leak into
// run and silently open a state store on every invocation.
func TestStateFlagsIndependent(t *testing.T) {
	runFlag := runCmd.Flags().Lookup("state")
	if runFlag == nil {
		t.Fatal("run command has no --state flag")
	}
	if runFlag.DefValue != "" {
		t.Errorf("run --state default = %q, want empty (state records are opt-in)", runFlag.DefValue)
	}

	runsFlag := runsCmd.Flags().Lookup("state")
	if runsFlag == nil {
		t.Fatal("runs command has no --state flag")
	}
	if runsFlag.DefValue != "runs.duckdb" {
		t.Errorf("runs --state default = %q, want runs.duckdb", runsFlag.DefValue)
	}

	if err := runsCmd.Flags().Set("state", "elsewhere.duckdb"); err != nil {
		t.Fatal(err)
	}
	if runStatePath != "" {
		t.Errorf("setting runs --state changed run state path to %q", runStatePath)
	}
	if runsStatePath != "elsewhere.duckdb" {
		t.Errorf("runs state path = %q", runsStatePath)
	}
}
