package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
)

// MaxInputLength bounds a single answer.
const MaxInputLength = 4096

var errInputTooLong = errors.New("input too long")

// Console is the terminal UI: messages are rendered as markdown and questions are
// answered on stdin. When stdin is not a terminal every question takes its default.
type Console struct {
	source      io.Reader
	reader      *bufio.Reader
	out         io.Writer
	render      func(string) (string, error)
	interactive bool

	mu        sync.Mutex
	inputChan chan inputResult
	startOnce sync.Once
}

type inputResult struct {
	text string
	err  error
}

// Option configures a Console.
type Option func(*Console)

// WithInput reads answers from r.
func WithInput(r io.Reader) Option {
	return func(c *Console) {
		c.source = r
	}
}

// WithOutput writes to w.
func WithOutput(w io.Writer) Option {
	return func(c *Console) {
		c.out = w
	}
}

// WithRenderer replaces the markdown renderer. Nil prints messages as they are.
func WithRenderer(fn func(string) (string, error)) Option {
	return func(c *Console) {
		c.render = fn
	}
}

// WithInteractive overrides terminal detection.
func WithInteractive(interactive bool) Option {
	return func(c *Console) {
		c.interactive = interactive
	}
}

// New creates a console on stdin and stdout.
func New(opts ...Option) *Console {
	c := &Console{
		source:      os.Stdin,
		out:         os.Stdout,
		interactive: isTerminal(os.Stdin),
	}
	if isTerminal(os.Stdout) {
		c.render = NewRenderer()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reader = bufio.NewReader(c.source)
	return c
}

// NewRenderer returns a function that renders markdown using glamour.
func NewRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return nil
	}
	return r.Render
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Interactive reports whether questions are put to a person.
func (c *Console) Interactive() bool { return c.interactive }

// Send prints a message.
func (c *Console) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.print(message)
}

func (c *Console) print(message string) error {
	output := message
	if c.render != nil {
		if rendered, err := c.render(message); err == nil {
			output = rendered
		}
	}
	_, err := fmt.Fprintln(c.out, strings.TrimSpace(output))
	return err
}

// Ask prints the question and waits for an answer. An empty line picks the default;
// end of input cancels.
func (c *Console) Ask(ctx context.Context, q ports.Question) (ports.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.print(q.Text); err != nil {
		return ports.Answer{}, err
	}
	if q.Hint != "" {
		fmt.Fprintln(c.out, q.Hint)
	}
	if !c.interactive {
		if q.Default != "" {
			fmt.Fprintf(c.out, "> %s\n", q.Default)
		}
		return ports.Answer{Text: q.Default}, nil
	}

	c.initPump()
	for {
		fmt.Fprint(c.out, prompt(q))
		select {
		case <-ctx.Done():
			return ports.Answer{}, ctx.Err()
		case res, ok := <-c.inputChan:
			if !ok {
				return ports.Answer{Cancelled: true}, nil
			}
			if res.err != nil {
				return ports.Answer{}, res.err
			}
			text, err := sanitize(res.text)
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v. Please try again.\n", err)
				continue
			}
			if text == "" {
				text = q.Default
			}
			if len(q.Options) > 0 {
				option, ok := match(q.Options, text)
				if !ok {
					fmt.Fprintf(c.out, "Please answer one of: %s\n", strings.Join(q.Options, ", "))
					continue
				}
				text = option
			}
			return ports.Answer{Text: text}, nil
		}
	}
}

func prompt(q ports.Question) string {
	if len(q.Options) == 0 {
		return "> "
	}
	opts := make([]string, len(q.Options))
	for i, o := range q.Options {
		if o == q.Default {
			o = strings.ToUpper(o)
		}
		opts[i] = o
	}
	return fmt.Sprintf("[%s] > ", strings.Join(opts, "/"))
}

func (c *Console) initPump() {
	c.startOnce.Do(func() {
		c.inputChan = make(chan inputResult)
		go c.pump()
	})
}

// pump reads lines until the input ends. It outlives a cancelled Ask so that the next
// one can still read.
func (c *Console) pump() {
	for {
		text, err := c.reader.ReadString('\n')
		if text != "" {
			c.inputChan <- inputResult{text: text}
		}
		if err != nil {
			if err == io.EOF {
				close(c.inputChan)
				return
			}
			c.inputChan <- inputResult{err: err}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// sanitize trims the answer and drops control characters.
func sanitize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > MaxInputLength {
		return "", errInputTooLong
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s), nil
}

// match finds s among options, ignoring case.
func match(options []string, s string) (string, bool) {
	for _, o := range options {
		if strings.EqualFold(o, s) {
			return o, true
		}
	}
	return "", false
}
