package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/caio-sobreiro/dicomrelay/client"
	"github.com/caio-sobreiro/dicomrelay/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// scuFlags are shared by the echo and store commands.
type scuFlags struct {
	address string
	called  string
	calling string
	timeout time.Duration
}

func (f *scuFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.address, "addr", "127.0.0.1:11112", "Address of the SCP (host:port)")
	cmd.Flags().StringVar(&f.called, "called", "DICOM-PROXY", "Called AE title")
	cmd.Flags().StringVar(&f.calling, "calling", "DICOMRELAY-SCU", "Calling AE title")
	cmd.Flags().DurationVar(&f.timeout, "timeout", time.Minute, "Timeout of the whole exchange")
}

func (f *scuFlags) connect(ctx context.Context, a *app, proposed []client.ProposedContext) (*client.Association, error) {
	return client.Connect(ctx, f.address, client.Config{
		CallingAETitle:       f.calling,
		CalledAETitle:        f.called,
		Logger:               a.logger,
		PresentationContexts: proposed,
	})
}

func newEchoCmd(a *app) *cobra.Command {
	var flags scuFlags
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send a C-ECHO and print the response status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runEcho(ctx, a, &flags, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func runEcho(ctx context.Context, a *app, flags *scuFlags, out io.Writer) error {
	assoc, err := flags.connect(ctx, a, []client.ProposedContext{{
		ID:               1,
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
	}})
	if err != nil {
		return err
	}
	defer assoc.Close()

	start := time.Now()
	rsp, err := assoc.SendCEcho(ctx, 1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "C-ECHO %s: status 0x%04X (%s)\n", flags.address, rsp.Status, time.Since(start).Round(time.Millisecond))

	if err := assoc.Release(ctx); err != nil {
		a.logger.Warn("Release failed", "error", err)
	}
	return responseError(a.logger, "C-ECHO", rsp.Status, "verification refused")
}

// responseError classifies the status of a final response. A warning is
// logged and does not fail the command.
func responseError(logger *slog.Logger, operation string, status uint16, msg string) error {
	derr := dicomerrors.NewDIMSEError(operation, status, msg)
	switch {
	case derr.IsSuccess():
		return nil
	case derr.IsWarning():
		logger.Warn("Completed with warning", "operation", operation, "status", fmt.Sprintf("0x%04X", status), "detail", msg)
		return nil
	case derr.IsPending():
		derr.Msg = "pending status in a final response"
		return derr
	default:
		return derr
	}
}

func newStoreCmd(a *app) *cobra.Command {
	var flags scuFlags
	cmd := &cobra.Command{
		Use:   "store FILE...",
		Short: "Send DICOM Part 10 files with C-STORE",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return runStore(ctx, a, &flags, args, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

// instance is a Part 10 file ready to be sent.
type instance struct {
	path           string
	sopClassUID    string
	sopInstanceUID string
	transferSyntax string
	data           []byte
}

func readInstance(path string) (*instance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ts, data, err := dicom.ReadPart10(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, ts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	inst := &instance{
		path:           path,
		sopClassUID:    ds.GetString(dicom.TagSOPClassUID),
		sopInstanceUID: ds.GetString(dicom.TagSOPInstanceUID),
		transferSyntax: ts,
		data:           data,
	}
	if inst.sopClassUID == "" || inst.sopInstanceUID == "" {
		return nil, fmt.Errorf("%s: missing SOP class or instance UID", path)
	}
	return inst, nil
}

// storeContexts proposes one context per SOP class, each offering the
// syntaxes the files are encoded in followed by the little endian ones.
func storeContexts(instances []*instance) []client.ProposedContext {
	var out []client.ProposedContext
	index := make(map[string]int)
	for _, inst := range instances {
		i, ok := index[inst.sopClassUID]
		if !ok {
			i = len(out)
			index[inst.sopClassUID] = i
			out = append(out, client.ProposedContext{
				ID:             byte(2*i + 1),
				AbstractSyntax: inst.sopClassUID,
			})
		}
		if !slices.Contains(out[i].TransferSyntaxes, inst.transferSyntax) {
			out[i].TransferSyntaxes = append(out[i].TransferSyntaxes, inst.transferSyntax)
		}
	}
	for i := range out {
		for _, ts := range []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian} {
			if !slices.Contains(out[i].TransferSyntaxes, ts) {
				out[i].TransferSyntaxes = append(out[i].TransferSyntaxes, ts)
			}
		}
	}
	return out
}

func runStore(ctx context.Context, a *app, flags *scuFlags, paths []string, out io.Writer) error {
	instances := make([]*instance, 0, len(paths))
	for _, path := range paths {
		inst, err := readInstance(path)
		if err != nil {
			return err
		}
		instances = append(instances, inst)
	}
	if len(instances) > 127 {
		return fmt.Errorf("too many files for one association: %d", len(instances))
	}

	assoc, err := flags.connect(ctx, a, storeContexts(instances))
	if err != nil {
		return err
	}
	defer assoc.Close()

	var failed []error
	for i, inst := range instances {
		rsp, err := assoc.SendCStore(ctx, &client.CStoreRequest{
			SOPClassUID:       inst.sopClassUID,
			SOPInstanceUID:    inst.sopInstanceUID,
			Data:              inst.data,
			MessageID:         uint16(i + 1),
			TransferSyntaxUID: inst.transferSyntax,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", inst.path, err)
		}
		fmt.Fprintf(out, "%s: %s status 0x%04X\n", inst.path, inst.sopInstanceUID, rsp.Status)
		if err := responseError(a.logger, "C-STORE", rsp.Status, inst.sopInstanceUID); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", inst.path, err))
		}
	}

	if err := assoc.Release(ctx); err != nil {
		a.logger.Warn("Release failed", "error", err)
	}
	return errors.Join(failed...)
}
