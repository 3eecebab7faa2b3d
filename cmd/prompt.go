package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"nebulasend/progress"
	"nebulasend/transfer"
)

// terminalPrompter asks the receiving user about offers on a line-oriented terminal.
// Prompts from different peers take turns.
type terminalPrompter struct {
	out   io.Writer
	lines <-chan string
	turn  chan struct{}
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return &terminalPrompter{
		out:   out,
		lines: lines,
		turn:  make(chan struct{}, 1),
	}
}

// Decide holds the terminal for both questions about offer.
func (p *terminalPrompter) Decide(ctx context.Context, offer transfer.Offer) (bool, string, error) {
	if err := p.acquire(ctx); err != nil {
		return false, "", err
	}
	defer p.release()

	answer, err := p.ask(ctx, fmt.Sprintf("\n%s wants to send %s (%s, %s). Accept? [y/N]: ",
		offer.PeerID, offer.FileName, progress.FormatBytes(offer.SizeBytes, 1), offer.MimeType))
	if err != nil {
		return false, "", err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
	default:
		return false, "", nil
	}

	pin, err := p.ask(ctx, fmt.Sprintf("Enter the PIN shown on the sender for %s: ", offer.FileName))
	if err != nil {
		return true, "", err
	}
	return true, pin, nil
}

func (p *terminalPrompter) acquire(ctx context.Context) error {
	select {
	case p.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *terminalPrompter) release() {
	<-p.turn
}

func (p *terminalPrompter) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	}
}
