package scheduler

import (
	"testing"

	logx "qualix/pkg/logx"
)

func TestSelfTestPasses(t *testing.T) {
	t.Parallel()
	rep, err := SelfTest(testCtx(t), logx.Nop())
	if err != nil {
		t.Fatalf("SelfTest = %v (failed: %v)", err, rep.Failed)
	}
	want := map[string]State{"A": StateFinished, "B": StateFinished, "C": StateFinished, "D": StateQueued, "E": StateFinished}
	for name, st := range want {
		if rep.States[name] != st {
			t.Fatalf("%s = %s, want %s", name, rep.States[name], st)
		}
	}
}
