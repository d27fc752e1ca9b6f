package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/signer"
)

func NewCmdKeys(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var generate string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the keys of the configured signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSigner(logger, config)
			if err != nil {
				return err
			}
			return doKeys(cmd.Context(), out, s, message.Algorithm(generate))
		},
	}

	cmd.Flags().StringVarP(&generate, "generate", "g", "", "Generate a key of the given algorithm first")

	return cmd
}

func doKeys(ctx context.Context, out io.Writer, s signer.Signer, generate message.Algorithm) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if generate != "" {
		if _, err := s.GenerateKey(ctx, generate); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tID\tPUBLIC KEY")
	for _, alg := range message.Algorithms {
		keys, err := s.ListKeys(ctx, alg)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\n", k.Algorithm, k.ID, k.PublicKey)
		}
	}
	return w.Flush()
}
