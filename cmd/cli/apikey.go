package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanledger/internal/auth"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Create API keys for the HTTP API",
}

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its bcrypt hash",
	Long: `Generate a random API key. The key is printed once; put the hash into
api.auth.key_hashes and hand the key to the client.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		return printKeyHash(cmd.OutOrStdout(), key, auth.HashAPIKey)
	},
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash [KEY]",
	Short: "Print the bcrypt hash of an existing key",
	Long:  `Hash KEY, or the first line of stdin when KEY is omitted.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readKey(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return err
	},
}

func printKeyHash(w io.Writer, key string, hash func(string) (string, error)) error {
	h, err := hash(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Key:  %s\nHash: %s\n", key, h)
	return err
}

func readKey(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no key given")
	}
	return key, nil
}

func init() {
	apikeyCmd.AddCommand(apikeyGenerateCmd, apikeyHashCmd)
	rootCmd.AddCommand(apikeyCmd)
}
