package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ips/internal/config"
	"github.com/ehr/ips/internal/platform/codec"
	"github.com/ehr/ips/internal/platform/convert"
	"github.com/ehr/ips/internal/platform/envelope"
)

// convertOptions are the flags of the convert command.
type convertOptions struct {
	From      string
	To        string
	Unprotect string
	Delimiter string
	Transport string
	Protect   string
	Encoding  string
	// Diag prints CBOR output in diagnostic notation.
	Diag bool
}

func convertCmd() *cobra.Command {
	var (
		opts    convertOptions
		inPath  string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Translate a record between fhir, hl7, beer, schema and cbor",
		Long: "Reads a record from --in (or stdin) and writes it to --out (or stdout).\n" +
			"--to accepts a single format, a comma separated list, or \"all\";\n" +
			"several formats are written as one JSON object keyed by format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			env, err := cliEnvelope(cfg.EncryptionKey, cfg.ExposeKey, cfg.MaxDecompressed)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("delimiter") {
				opts.Delimiter = cfg.BeerDelimiter
			}
			conv := convert.New(env,
				convert.WithQRByteLimit(cfg.QRByteLimit),
				convert.WithLogger(zerolog.Nop()),
			)

			in := cmd.InOrStdin()
			if inPath != "" && inPath != "-" {
				f, err := os.Open(inPath)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			out := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runConvert(cmd.Context(), conv, opts, in, out)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "fhir", "Input format")
	cmd.Flags().StringVar(&opts.To, "to", "schema", "Output format(s), or \"all\"")
	cmd.Flags().StringVar(&opts.Unprotect, "unprotect", "", "Input protection: encrypt or compress-encrypt")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", "", "BEER delimiter: newline, pipe, semi, colon or at")
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "Output transport: qr or nfc")
	cmd.Flags().StringVar(&opts.Protect, "protect", "", "Output protection: encrypt or compress-encrypt")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", "hex", "Envelope text encoding: hex or base64")
	cmd.Flags().BoolVar(&opts.Diag, "diag", false, "Print cbor output in diagnostic notation")
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "Input file (default stdin)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	return cmd
}

// cliEnvelope builds the envelope from IPS_ENCRYPTION_KEY. Without a key
// protected input and output fail with a crypto error.
func cliEnvelope(keyHex string, exposeKey bool, maxDecompressed int64) (*envelope.Envelope, error) {
	if keyHex == "" {
		return nil, nil
	}
	key, err := envelope.ParseHexKey(keyHex)
	if err != nil {
		return nil, err
	}
	return envelope.New(envelope.Config{Key: key, ExposeKey: exposeKey, MaxDecompressed: maxDecompressed})
}

func runConvert(ctx context.Context, conv *convert.Converter, opts convertOptions, in io.Reader, out io.Writer) error {
	from, err := convert.ParseFormat(opts.From)
	if err != nil {
		return err
	}
	targets, err := parseTargets(opts.To)
	if err != nil {
		return err
	}
	prot, err := convert.ParseProtection(opts.Unprotect)
	if err != nil {
		return err
	}
	enc, err := envelope.ParseEncoding(opts.Encoding)
	if err != nil {
		return err
	}
	ropts, err := renderOptions(opts, enc)
	if err != nil {
		return err
	}

	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	rec, err := conv.Open(from, payload, prot, enc)
	if err != nil {
		return err
	}

	if len(targets) == 1 {
		b, err := conv.Render(rec, targets[0], ropts)
		if err != nil {
			return err
		}
		if opts.Diag && targets[0] == convert.FormatCBOR && ropts.Protection == convert.ProtectNone {
			diag, err := codec.Diagnose(b)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, diag)
			return err
		}
		_, err = out.Write(b)
		return err
	}

	rendered, err := conv.RenderAll(ctx, rec, targets, ropts)
	if err != nil {
		return err
	}
	doc := make(map[convert.Format]string, len(rendered))
	for f, b := range rendered {
		if utf8.Valid(b) {
			doc[f] = string(b)
		} else {
			doc[f] = base64.StdEncoding.EncodeToString(b)
		}
	}
	e := json.NewEncoder(out)
	e.SetIndent("", "  ")
	return e.Encode(doc)
}

func parseTargets(s string) ([]convert.Format, error) {
	if s == "all" {
		return convert.AllFormats, nil
	}
	var formats []convert.Format
	for _, name := range splitList(s) {
		f, err := convert.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("--to is required")
	}
	return formats, nil
}

func renderOptions(opts convertOptions, enc envelope.Encoding) (convert.RenderOptions, error) {
	transport, err := convert.ParseTransport(opts.Transport)
	if err != nil {
		return convert.RenderOptions{}, err
	}
	prot, err := convert.ParseProtection(opts.Protect)
	if err != nil {
		return convert.RenderOptions{}, err
	}
	return convert.RenderOptions{
		Delimiter:  opts.Delimiter,
		Transport:  transport,
		Protection: prot,
		Encoding:   enc,
	}, nil
}
