package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/noah-isme/pos-settlement/internal/app"
	"github.com/noah-isme/pos-settlement/internal/config"
	"github.com/noah-isme/pos-settlement/internal/session"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

type options struct {
	saleID     string
	payAll     bool
	ways       int
	voidID     string
	receivedBy string
}

func main() {
	var opts options
	flag.StringVar(&opts.saleID, "sale", "", "sale id to settle")
	flag.BoolVar(&opts.payAll, "pay-remaining", false, "select every unpaid item and pay the amount due")
	flag.IntVar(&opts.ways, "split", 1, "number of equal cash splits for -pay-remaining")
	flag.StringVar(&opts.voidID, "void", "", "payment id to void")
	flag.StringVar(&opts.receivedBy, "cashier", "", "cashier recorded on payments")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()
	if opts.saleID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	code := 0
	if err := run(ctx, cfg, app.Options{}, opts, os.Stdout); err != nil {
		log.Print(err)
		code = 1
	}
	cancel()
	os.Exit(code)
}

// run settles one sale and always releases the engine before returning.
func run(ctx context.Context, cfg *config.Config, appOpts app.Options, opts options, w io.Writer) (err error) {
	engine, err := app.Build(ctx, cfg, appOpts)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		if cerr := engine.Close(context.Background()); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close engine: %w", cerr))
		}
	}()

	s, err := engine.Open(ctx, opts.saleID, session.WithReceivedBy(opts.receivedBy))
	if err != nil {
		return fmt.Errorf("open sale %s: %w", opts.saleID, err)
	}
	defer s.Close()

	switch {
	case opts.voidID != "":
		out, err := s.Void(ctx, opts.voidID)
		if err != nil {
			return fmt.Errorf("void %s: %w", opts.voidID, err)
		}
		fmt.Fprintf(w, "voided %s, balance due %d, reopened %t\n", opts.voidID, out.Result.BalanceDue, out.Result.WasReopened)
	case opts.payAll:
		if err := s.SelectAll(); err != nil {
			return fmt.Errorf("select items: %w", err)
		}
		if err := s.EditAmount(s.Snapshot().RemainingDue); err != nil {
			return fmt.Errorf("set amount: %w", err)
		}
		if err := s.SplitEvenly(opts.ways); err != nil {
			return fmt.Errorf("split: %w", err)
		}
		if v := s.Validation(); !v.IsFullyValid {
			return fmt.Errorf("splits rejected: %w", v.Err())
		}
		amount := s.FormulaState().FinalAmount
		out, err := s.Submit(ctx)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		fmt.Fprintf(w, "paid %d in %d payment(s), balance due %d, closed %t\n",
			amount, len(out.Result.PaymentIDs), out.Result.BalanceDue, out.Result.WasAutoClosed)
	}
	printSnapshot(w, s.Snapshot())
	return nil
}

func printSnapshot(w io.Writer, snap snapshot.Snapshot) {
	fmt.Fprintf(w, "sale %s  %s/%s  total %d  paid %d  due %d\n",
		snap.SaleID, snap.SaleState, snap.PaymentStatus, snap.TotalAmount, snap.TotalPaid, snap.RemainingDue)
	for _, it := range snap.Items {
		fmt.Fprintf(w, "  %-20s %3d/%-3d paid  unit %d\n", it.Name, it.QuantityPaid, it.QuantityTotal, it.UnitPrice)
	}
	for _, p := range snap.Payments {
		method := p.Method.String()
		if p.Method.RequiresAccount() && p.AccountInfo != nil {
			method += " " + p.AccountInfo.Name
		}
		fmt.Fprintf(w, "  payment %s %-8s %d %s\n", p.ID, p.Status, p.AmountApplied, method)
	}
}
