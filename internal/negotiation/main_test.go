package negotiation

import (
	"io"
	"os"
	"testing"

	"github.com/1ureka/rendezvous/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}
