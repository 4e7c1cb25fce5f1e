package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"attest/pkg/merkle"
	"attest/pkg/models"
	"attest/pkg/verifier"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "hash-payload":
		return hashPayload(args[1:], out)
	case "merkle-root":
		return merkleRoot(args[1:], out)
	case "verify-bundle":
		return verifyBundle(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "attestctl commands:")
	fmt.Fprintln(out, "  hash-payload --payload claim.json")
	fmt.Fprintln(out, "  merkle-root --batch batch.json")
	fmt.Fprintln(out, "  verify-bundle --bundle bundle.json")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func hashPayload(args []string, out io.Writer) error {
	fs := newFlagSet("hash-payload")
	payloadPath := fs.String("payload", "", "claim payload file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payloadPath == "" {
		return errors.New("payload required")
	}
	raw, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	h, err := models.PayloadHash(raw)
	if err != nil {
		return fmt.Errorf("hash payload: %w", err)
	}
	fmt.Fprintln(out, h)
	return nil
}

func merkleRoot(args []string, out io.Writer) error {
	fs := newFlagSet("merkle-root")
	batchPath := fs.String("batch", "", "batch json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batchPath == "" {
		return errors.New("batch required")
	}
	raw, err := os.ReadFile(*batchPath)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	var batch models.MerkleBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}
	root, err := merkle.Root(batch.LeafHashes)
	if err != nil {
		return fmt.Errorf("compute root: %w", err)
	}
	fmt.Fprintln(out, root)
	if batch.RootHash != "" && batch.RootHash != root {
		return fmt.Errorf("root mismatch: batch declares %s", batch.RootHash)
	}
	return nil
}

// bundleFile matches the shape exported by GET /v1/receipts/{id}/bundle.
type bundleFile struct {
	Receipt models.DecisionReceipt `json:"receipt"`
	Bundle  verifier.Bundle        `json:"bundle"`
}

func verifyBundle(args []string, out io.Writer) error {
	fs := newFlagSet("verify-bundle")
	bundlePath := fs.String("bundle", "", "bundle json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundlePath == "" {
		return errors.New("bundle required")
	}
	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var in bundleFile
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}
	if in.Receipt.ReceiptID == "" {
		return errors.New("bundle has no receipt")
	}

	result := verifier.VerifyOffline(in.Receipt, in.Bundle)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	if result.Status != models.VerifyOK {
		return fmt.Errorf("verification failed: %s", strings.Join(result.ReasonCodes, ","))
	}
	return nil
}
