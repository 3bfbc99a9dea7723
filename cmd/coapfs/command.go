package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Zereker/coapfs"
)

// buildCommand turns command-line arguments into a command whose
// continuation prints the result to out as JSON.
func buildCommand(args []string, stdin io.Reader, out io.Writer) (coapfs.Command, error) {
	emit := func(v any) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}
	acked := func(op, path string) func() {
		return func() { emit(map[string]string{"op": op, "path": path, "status": "ok"}) }
	}

	name, args := args[0], args[1:]
	want := map[string]int{
		"details": 1, "open": 1, "delete": 1,
		"create": 2, "save": 2, "rename": 2, "move": 2, "search": 2,
	}
	n, known := want[name]
	if !known {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if len(args) != n {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", name, n, len(args))
	}

	switch name {
	case "details":
		return coapfs.NewDetails(args[0], emit), nil
	case "create":
		return coapfs.NewCreate(args[0], coapfs.ItemType(args[1]), acked(name, args[0])), nil
	case "open":
		return coapfs.NewOpen(args[0], func(response any, itemType string) {
			emit(map[string]any{"type": itemType, "response": response})
		}), nil
	case "save":
		content, err := readContent(args[1], stdin)
		if err != nil {
			return nil, err
		}
		return coapfs.NewSave(args[0], content, acked(name, args[0])), nil
	case "delete":
		return coapfs.NewDelete(args[0], acked(name, args[0])), nil
	case "rename":
		return coapfs.NewRename(args[0], args[1], acked(name, args[0])), nil
	case "move":
		return coapfs.NewMove(args[0], args[1], acked(name, args[0])), nil
	default:
		return coapfs.NewSearch(args[0], args[1], func(results []string) { emit(results) }), nil
	}
}

// readContent reads the file to save; "-" means standard input.
func readContent(name string, stdin io.Reader) (string, error) {
	var b []byte
	var err error
	if name == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}
