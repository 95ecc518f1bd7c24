// Command darkauth runs the DarkAuth OpenID Connect identity provider: an
// OPAQUE-authenticated, zero-knowledge-DRK-delivering IdP with multi-tenant
// RBAC and TOTP second factor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "darkauth",
		Short:         "DarkAuth OpenID Connect identity provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(commandServe(), commandInstall(), commandVersion())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "darkauth:", err)
		os.Exit(1)
	}
}
