package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("use"),
	readline.PcItem("get"),
	readline.PcItem("put"),
	readline.PcItem("post"),
	readline.PcItem("delete"),
	readline.PcItem("changes"),
	readline.PcItem("stat"),
	readline.PcItem("pull"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const replHelp = `use NAME                   switch database
get KEY [REV]              print a document
put KEY [REV] JSON         store a document
post JSON                  store under a generated key
delete KEY REV             store a tombstone
changes [SINCE] [PREFIX]   list changes
stat                       database statistics
pull SOURCE [mine|theirs]  one pull cycle from a URL or local:NAME
exit`

type REPL struct {
	app *app
	rl  *readline.Instance
	out io.Writer
}

var errBadArgs = errors.New("bad arguments, try help")

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          repl.app.cfg.DB + "> ",
		HistoryFile:     ".lounge_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	repl.out = os.Stdout
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// splitWord cuts the first whitespace separated word off line.
func splitWord(line string) (word, rest string) {
	line = strings.TrimSpace(line)
	ws := strings.IndexAny(line, " \t\r\n")
	if ws < 0 {
		return line, ""
	}
	return line[:ws], strings.TrimSpace(line[ws:])
}

// looksLikeRev tells a revision argument from the start of a JSON body.
func looksLikeRev(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9' && strings.Contains(s, "-")
}

// Exec runs one command line. io.EOF means the shell should end.
func (repl *REPL) Exec(ctx context.Context, line string) error {
	cmd, rest := splitWord(line)
	a, w := repl.app, repl.out
	switch cmd {
	case "":
		return nil
	case "help":
		_, err := fmt.Fprintln(w, replHelp)
		return err
	case "exit", "quit":
		return io.EOF
	case "use":
		name, _ := splitWord(rest)
		if name == "" {
			return errBadArgs
		}
		if _, err := a.host.DB(ctx, name, true); err != nil {
			return err
		}
		a.cfg.DB = name
		if repl.rl != nil {
			repl.rl.SetPrompt(name + "> ")
		}
		return nil
	case "get":
		key, r := splitWord(rest)
		if key == "" {
			return errBadArgs
		}
		return a.get(ctx, w, key, r)
	case "put":
		key, rest := splitWord(rest)
		var parent string
		if first, tail := splitWord(rest); looksLikeRev(first) {
			parent, rest = first, tail
		}
		if key == "" || rest == "" {
			return errBadArgs
		}
		return a.put(ctx, w, key, parent, rest)
	case "post":
		if rest == "" {
			return errBadArgs
		}
		return a.put(ctx, w, "", "", rest)
	case "delete":
		key, r := splitWord(rest)
		if key == "" || r == "" {
			return errBadArgs
		}
		return a.delete(ctx, w, key, r)
	case "changes":
		first, prefix := splitWord(rest)
		var since uint64
		if first != "" {
			var err error
			if since, err = strconv.ParseUint(first, 10, 64); err != nil {
				return errBadArgs
			}
		}
		return a.changes(ctx, w, since, prefix)
	case "stat":
		return a.stat(ctx, w)
	case "pull":
		source, resolve := splitWord(rest)
		if source == "" {
			return errBadArgs
		}
		if resolve == "" {
			resolve = "mine"
		}
		return a.pull(ctx, w, source, pullFlags{resolve: resolve})
	}
	return fmt.Errorf("command unknown: %s", cmd)
}

func runREPL(ctx context.Context, a *app) error {
	repl := &REPL{app: a}
	if err := repl.Open(); err != nil {
		return err
	}
	defer repl.Close()

	for {
		line, err := repl.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = repl.Exec(ctx, line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		}
	}
}
