package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/phone"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

// TerminalPrompter asks the cashier questions on a line-oriented terminal.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *TerminalPrompter) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *TerminalPrompter) SelectCandidate(ctx context.Context, amount decimal.Decimal, candidates []models.CandidateView) (checkout.Selection, error) {
	color.New(color.Bold).Fprintf(p.out, "\nM-Pesa payments of KES %s received recently:\n", amount.StringFixed(2))
	for i, c := range candidates {
		fmt.Fprintf(p.out, "  %d) %-12s KES %-10s %-14s %-20s %s\n",
			i+1, c.ReceiptNumber, c.Amount.StringFixed(2), phone.Display(c.PhoneNumber), c.CustomerName, c.TransactionAt)
	}
	fmt.Fprintln(p.out, "  s) Skip: validate without matching a payment")
	fmt.Fprintln(p.out, "  q) Cancel")

	for {
		fmt.Fprint(p.out, "Select payment: ")
		answer, err := p.readLine(ctx)
		if err != nil {
			return checkout.Selection{}, err
		}
		switch strings.ToLower(answer) {
		case "s":
			return checkout.Selection{Decision: checkout.Skip}, nil
		case "q", "":
			return checkout.Selection{Decision: checkout.Abort}, nil
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(candidates) {
			return checkout.Selection{Decision: checkout.Proceed, Candidate: candidates[n-1]}, nil
		}
		fmt.Fprintf(p.out, "Enter a number between 1 and %d, s or q.\n", len(candidates))
	}
}

func (p *TerminalPrompter) Confirm(ctx context.Context, title, body string) (bool, error) {
	color.New(color.Bold).Fprintf(p.out, "\n%s\n", title)
	fmt.Fprintf(p.out, "%s [y/N]: ", body)
	answer, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

func (p *TerminalPrompter) InputPhone(ctx context.Context, amount decimal.Decimal) (string, bool, error) {
	for {
		fmt.Fprintf(p.out, "Customer phone for KES %s (blank to cancel): ", amount.StringFixed(2))
		number, err := p.readLine(ctx)
		if err != nil {
			return "", false, err
		}
		if number == "" {
			return "", false, nil
		}
		if phone.Valid(number) {
			return number, true, nil
		}
		color.New(color.FgRed).Fprintln(p.out, checkout.ErrInvalidPhone.Error())
	}
}

func (p *TerminalPrompter) Notify(level checkout.NoticeLevel, title, message string) {
	c := color.New(color.FgCyan)
	switch level {
	case checkout.NoticeSuccess:
		c = color.New(color.FgGreen)
	case checkout.NoticeWarning:
		c = color.New(color.FgYellow)
	case checkout.NoticeError:
		c = color.New(color.FgRed)
	}
	c.Fprintf(p.out, "[%s] %s\n", title, message)
}
