package app

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JiscSD/keylink-relay/message"
)

// appFs is the filesystem read by the commands.
var appFs = afero.NewOsFs()

func NewCmdValidate(out io.Writer) *cobra.Command {
	var file, kind string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate KeyLink JSON documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doValidate(out, file, kind)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(message.SchemaMessagesRequest), "Schema: MessagesRequest, MessagesStatusRequest, MessageEnvelope, MessagePayload, MessageStatus or DocumentList")

	return cmd
}

func doValidate(out io.Writer, file, kind string) error {
	if file == "" {
		return errors.New("parameter empty")
	}
	schema, err := message.ParseSchema(kind)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(appFs, file)
	if err != nil {
		return errors.Wrap(err, "cannot read file")
	}
	validator, err := message.NewValidator()
	if err != nil {
		return err
	}
	err = validator.Validate(schema, data)
	var verr message.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(out, "The document is invalid!")
		for _, issue := range verr.Errors {
			fmt.Fprintf(out, "- %s: %s\n", issue.Path, issue.Message)
		}
		return errors.Errorf("%d validation issue(s) found", len(verr.Errors))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "The document is a valid %s.\n", schema)
	return nil
}
