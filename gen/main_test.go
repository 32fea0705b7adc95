package gen

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	SetConv1x1CacheDir("") // keep unit tests hermetic
	os.Exit(m.Run())
}

// compileNet runs the pipeline up to blob generation without touching the
// filesystem.
func compileNet(t *testing.T, n *Net) {
	t.Helper()
	if err := n.ProcessParams(); err != nil {
		t.Fatalf("ProcessParams: %v", err)
	}
	if err := n.DesignMMLayout(); err != nil {
		t.Fatalf("DesignMMLayout: %v", err)
	}
	n.GenerateLayerExecList()
	n.markHostHandshake()
	if err := n.GenerateVproBlob(); err != nil {
		t.Fatalf("GenerateVproBlob: %v", err)
	}
	if err := n.GenerateEisvBlob(); err != nil {
		t.Fatalf("GenerateEisvBlob: %v", err)
	}
}

// countCommands tallies a layer's stream per predicate.
func countCommands(l Layer, pred func(i int) bool) int {
	n := 0
	for i := range l.Base().Commands {
		if pred(i) {
			n++
		}
	}
	return n
}

func nonDummySegments(l Layer) int {
	n := 0
	for _, s := range l.Base().Segments {
		if !s.Dummy {
			n++
		}
	}
	return n
}
