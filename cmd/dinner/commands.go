package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hkdinner/dinner/internal/api"
	"github.com/hkdinner/dinner/internal/config"
	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/state"
	"github.com/hkdinner/dinner/internal/storage"
)

// --- auth ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long: `Sign in with email and password.

Examples:
  dinner login --email mum@example.com --password secret1
  dinner login --email mum@example.com --password secret1 --next /j/ABCD23`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		next, _ := cmd.Flags().GetString("next")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp api.AuthResponse
		body := map[string]string{"email": email, "password": password, "next": next}
		if err := client.call(cmd.Context(), http.MethodPost, "/auth/signin", body, &resp); err != nil {
			return err
		}
		printSignedIn(resp)
		return nil
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		name, _ := cmd.Flags().GetString("name")
		next, _ := cmd.Flags().GetString("next")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp api.AuthResponse
		body := map[string]string{"email": email, "password": password, "displayName": name, "next": next}
		if err := client.call(cmd.Context(), http.MethodPost, "/auth/signup", body, &resp); err != nil {
			return err
		}
		printSignedIn(resp)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, signupCmd} {
		c.Flags().String("email", "", "email address")
		c.Flags().String("password", "", "password (at least 6 characters)")
		c.Flags().String("next", "", "where to continue after signing in, e.g. /j/ABCD23")
	}
	signupCmd.Flags().String("name", "", "display name")
}

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Sign in with a Hong Kong mobile number",
}

var otpSendCmd = &cobra.Command{
	Use:   "send <phone>",
	Short: "Text a 6-digit code to an 8-digit HK number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/auth/otp", map[string]string{"phone": args[0]}, nil); err != nil {
			return err
		}
		printSuccess("驗證碼已發送")
		return nil
	},
}

var otpVerifyCmd = &cobra.Command{
	Use:   "verify <phone> <code>",
	Short: "Sign in with the code you received",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		next, _ := cmd.Flags().GetString("next")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp api.AuthResponse
		body := map[string]string{"phone": args[0], "code": args[1], "next": next}
		if err := client.call(cmd.Context(), http.MethodPost, "/auth/verify", body, &resp); err != nil {
			return err
		}
		printSignedIn(resp)
		return nil
	},
}

func init() {
	otpVerifyCmd.Flags().String("next", "", "where to continue after signing in")
	otpCmd.AddCommand(otpSendCmd, otpVerifyCmd)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/auth/signout", nil, nil); err != nil {
			return err
		}
		printSuccess("已登出")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st state.AppState
		if err := client.call(cmd.Context(), http.MethodGet, "/state", nil, &st); err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}
		if !st.LoggedIn {
			printWarning("未登入")
			return nil
		}
		printStatus("Signed in", "%s", signedInLabel(st))
		if st.HasFamily() {
			printStatus("Family", "%s", state.Str(st.FamilyName))
			printStatus("Name", "%s（%s）", state.Str(st.DisplayName), state.Str(st.Role))
			if st.IsOwner {
				printStatus("Owner", "yes")
			}
		} else {
			printStatus("Family", "none yet, run \"dinner family create\" or \"dinner family join\"")
		}
		return nil
	},
}

func init() {
	whoamiCmd.Flags().Bool("json", false, "print the raw state as JSON")
}

func printSignedIn(resp api.AuthResponse) {
	printSuccess("已登入 %s", signedInLabel(resp.State))
	if resp.State.HasFamily() {
		printStatus("Family", "%s", state.Str(resp.State.FamilyName))
	}
	printStatus("Next", "%s", resp.Next)
}

// --- family ---

var familyCmd = &cobra.Command{
	Use:   "family",
	Short: "Create, join or show your family",
}

var familyCreateCmd = &cobra.Command{
	Use:   "create <family name>",
	Short: "Create a family and become its owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st state.AppState
		body := map[string]string{"name": args[0], "displayName": name, "role": role}
		if err := client.call(cmd.Context(), http.MethodPost, "/families", body, &st); err != nil {
			return err
		}
		printSuccess("已建立「%s」", state.Str(st.FamilyName))

		var inv family.Invitation
		if err := client.call(cmd.Context(), http.MethodGet, "/family/invite", nil, &inv); err == nil {
			printStatus("Invite code", "%s", colorize(colorBold, inv.Code))
			printStatus("Invite link", "%s", inv.Link)
		}
		return nil
	},
}

var familyJoinCmd = &cobra.Command{
	Use:   "join <invite code>",
	Short: "Join a family with its invite code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var v models.Verification
		if err := client.call(cmd.Context(), http.MethodGet, "/invites/"+url.PathEscape(args[0]), nil, &v); err != nil {
			return err
		}
		if v.Expired {
			return fmt.Errorf("邀請碼已過期")
		}
		if !v.Valid {
			return fmt.Errorf("邀請碼無效")
		}

		var st state.AppState
		body := map[string]string{"code": args[0], "displayName": name, "role": role}
		if err := client.call(cmd.Context(), http.MethodPost, "/families/join", body, &st); err != nil {
			return err
		}
		printSuccess("已加入「%s」", state.Str(st.FamilyName))
		return nil
	},
}

var familyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your family and its members",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st state.AppState
		if err := client.call(cmd.Context(), http.MethodGet, "/state", nil, &st); err != nil {
			return err
		}
		if !st.HasFamily() {
			printWarning("你仲未有家庭")
			return nil
		}
		fmt.Println(colorize(colorBold, state.Str(st.FamilyName)))
		return printMembers(cmd, client)
	},
}

func init() {
	for _, c := range []*cobra.Command{familyCreateCmd, familyJoinCmd} {
		c.Flags().String("name", "", "your display name in the family")
		c.Flags().String("role", "", "your role, e.g. 媽媽 (default 成員)")
		c.MarkFlagRequired("name")
	}
	familyCmd.AddCommand(familyCreateCmd, familyJoinCmd, familyShowCmd)
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Show the family invite code and link",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var inv family.Invitation
		if err := client.call(cmd.Context(), http.MethodGet, "/family/invite", nil, &inv); err != nil {
			return err
		}
		fmt.Println(inv.Code)
		fmt.Println(inv.Link)
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List family members",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printMembers(cmd, client)
	},
}

func printMembers(cmd *cobra.Command, client *apiClient) error {
	var members []models.FamilyMember
	if err := client.call(cmd.Context(), http.MethodGet, "/family/members", nil, &members); err != nil {
		return err
	}
	for _, m := range members {
		owner := ""
		if m.IsOwner {
			owner = colorize(colorCyan, " ★ owner")
		}
		fmt.Printf("  %s（%s）%s\n", m.DisplayName, m.Role, owner)
	}
	return nil
}

// --- dinner ---

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Who is home for dinner tonight",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var t family.Today
		if err := client.call(cmd.Context(), http.MethodGet, "/family/today", nil, &t); err != nil {
			return err
		}
		if asJSON {
			return printJSON(t)
		}
		writeToday(os.Stdout, t)
		return nil
	},
}

func init() {
	todayCmd.Flags().Bool("json", false, "print as JSON")
}

var replyCmd = &cobra.Command{
	Use:       "reply <yes|no|unknown>",
	Short:     "Answer whether you eat at home tonight",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(models.StatusYes), string(models.StatusNo), string(models.StatusUnknown)},
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := models.ParseStatus(strings.ToLower(args[0]))
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var row models.HistoryRow
		if err := client.call(cmd.Context(), http.MethodPost, "/family/responses", map[string]string{"status": string(status)}, &row); err != nil {
			return err
		}
		printSuccess("%s %s %s", row.Label, status.Token(), status.Label())
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Daily tallies, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rows []models.HistoryRow
		if err := client.call(cmd.Context(), http.MethodGet, "/family/history", nil, &rows); err != nil {
			return err
		}
		writeHistory(os.Stdout, rows)
		return nil
	},
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Remind members who have not replied yet (owner only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]string
		if err := client.call(cmd.Context(), http.MethodPost, "/family/reminders", nil, &result); err != nil {
			return err
		}
		printSuccess("Queued reminder %s", result["id"])
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List delivered reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var notes []storage.Notification
		if err := client.call(cmd.Context(), http.MethodGet, fmt.Sprintf("/notifications?limit=%d", limit), nil, &notes); err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range notes {
			fmt.Printf("%s  %s\n", colorize(colorCyan, n.CreatedAt.Local().Format("01-02 15:04")), n.Message)
		}
		return nil
	},
}

func init() {
	notificationsCmd.Flags().Int("limit", 20, "maximum number of notifications to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		printStep("Writing %s", key)
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "remote.anon_key" {
			printSuccess("Set %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		printWarning("Restart the server for changes to take effect")
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
