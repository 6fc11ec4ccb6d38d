package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	logx "qualix/pkg/logx"
)

func TestRunSelfTestPrintsStates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := runSelfTest(ctx, &out, logx.Nop()); err != nil {
		t.Fatalf("runSelfTest = %v\n%s", err, out.String())
	}
	got := out.String()
	for _, want := range []string{"A    finished", "D    queued", "ok ("} {
		if !strings.Contains(got, want) {
			t.Fatalf("output lacks %q:\n%s", want, got)
		}
	}
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "selftest"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("Find(%s) = %v, %v", name, c, err)
		}
	}
}
