package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flashbots/secagg/cmd/common"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing and an exchange key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			signingKey, err := common.LoadOrGenerateSigningKey("")
			if err != nil {
				return err
			}
			exchangeKey, err := common.LoadOrGenerateExchangeKey("")
			if err != nil {
				return err
			}
			pub, err := signingKey.PublicKey()
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(map[string]common.KeysConfig{"keys": {
				SigningKey:  hex.EncodeToString(signingKey.Bytes()),
				ExchangeKey: hex.EncodeToString(exchangeKey.Bytes()),
			}})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "# signing public key: %s\n# exchange public key: %s\n%s",
				pub.String(), hex.EncodeToString(exchangeKey.PublicKey().Bytes()), out)
			return nil
		},
	}
}
