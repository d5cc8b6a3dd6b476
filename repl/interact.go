package repl

import (
	"fmt"
	"os"

	"github.com/peterh/liner"

	"github.com/hmatsuda/kioku/engine"
)

const (
	kiokuHistory = ".kioku_history"
)

// Interact runs an interactive shell on the terminal with line editing
// and history.
func Interact(eng *engine.Engine) {
	line := liner.NewLiner()
	defer line.Close()

	if f, err := os.Open(kiokuHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	ses := NewSession(eng, os.Stdout)
	Repl(ses,
		func() (string, error) {
			s, err := line.Prompt("kioku: ")
			if err != nil {
				return "", err
			}
			line.AppendHistory(s)
			return s, nil
		})

	if f, err := os.Create(kiokuHistory); err != nil {
		fmt.Fprintf(os.Stderr, "kioku: error writing history file, %s: %s",
			kiokuHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
}
