package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "dinner",
	Short: "今晚食唔食飯: tell the family whether you're home for dinner",
	Long: `dinner keeps a family's nightly dinner roll call.

Start the local server with "dinner start", sign in, then create a family
or join one with an invite code. Every member answers yes or no for tonight
and the owner can nudge whoever has not replied yet.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(loginCmd, signupCmd, otpCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(familyCmd, inviteCmd, membersCmd)
	rootCmd.AddCommand(todayCmd, replyCmd, historyCmd, remindCmd, notificationsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
