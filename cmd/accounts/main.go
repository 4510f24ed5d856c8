// Package main provides the account management CLI tool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

var serverPort = config.GetPort()

func dataDir() string {
	if v := os.Getenv("DATA_DIR"); v != "" {
		return v
	}
	return config.GetConfig().DataDir
}

func openStore() *accountstore.Store {
	store, err := accountstore.NewStore(dataDir(), func() []*accountstore.Account { return nil })
	if err != nil {
		fmt.Println("Error opening account store:", err)
		os.Exit(1)
	}
	return store
}

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, noBrowser)
	case "list":
		listAccounts()
	case "clear":
		ensureServerStopped()
		clearAccounts(scanner)
	case "verify":
		verifyAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Gateway Account Manager               ║")
	fmt.Println("║   Use --no-browser for headless mode   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  gateway-accounts add     Add new account(s)")
	fmt.Println("  gateway-accounts list    List all accounts")
	fmt.Println("  gateway-accounts verify  Verify account tokens")
	fmt.Println("  gateway-accounts clear   Remove all accounts")
	fmt.Println("  gateway-accounts remove  Remove a single account")
	fmt.Println("  gateway-accounts help    Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: the gateway server is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Stop the server (Ctrl+C) before adding or managing accounts.")
		fmt.Println("This ensures the persisted account file isn't written by two processes at once.")
		os.Exit(1)
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func loadAccounts() []*accountstore.Account {
	store := openStore()
	defer store.Close()

	accounts, err := store.Load()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return nil
	}
	return accounts
}

func writeAccounts(accounts []*accountstore.Account) {
	store, err := accountstore.NewStore(dataDir(), func() []*accountstore.Account { return accounts })
	if err != nil {
		fmt.Println("Error opening account store:", err)
		return
	}
	store.MarkDirty()
	store.Close()
}

func displayAccounts(accounts []*accountstore.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
		} else if !acc.Enabled {
			status = " (disabled)"
		}
		fmt.Printf("  %d. %s%s\n", i+1, acc.Email, status)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func addAccount(existingAccounts []*accountstore.Account) *accountstore.Account {
	fmt.Println("\n=== Add Google Account ===")

	result, err := auth.GetAuthorizationURL("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If the browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", result.URL)
	openBrowser(result.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	callbackServer := auth.NewCallbackServer(result.State, 120000)
	code, err := callbackServer.Start(ctx)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")
	return finishOAuth(ctx, code, result.Verifier, existingAccounts)
}

func addAccountNoBrowser(existingAccounts []*accountstore.Account, scanner *bufio.Scanner) *accountstore.Account {
	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")

	result, err := auth.GetAuthorizationURL("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", result.URL)
	fmt.Println("After signing in you'll be redirected to a localhost URL.")
	fmt.Println("Copy the entire redirect URL or just the authorization code.")

	input := prompt(scanner, "Paste the callback URL or authorization code: ")
	if input == "" {
		fmt.Println("\n✗ No input provided.")
		return nil
	}

	codeResult, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		fmt.Printf("\n✗ %v\n", err)
		return nil
	}
	if codeResult.State != "" && codeResult.State != result.State {
		fmt.Println("\n⚠ State mismatch detected. Proceeding anyway since this is manual mode.")
	}

	fmt.Println("\nExchanging authorization code for tokens...")
	return finishOAuth(context.Background(), codeResult.Code, result.Verifier, existingAccounts)
}

func finishOAuth(ctx context.Context, code, verifier string, existingAccounts []*accountstore.Account) *accountstore.Account {
	accountData, err := auth.CompleteOAuthFlow(ctx, code, verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return nil
	}

	for _, acc := range existingAccounts {
		if acc.Email == accountData.Email {
			fmt.Printf("\n⚠ Account %s already exists. Updating its refresh token.\n", accountData.Email)
			acc.RefreshToken = accountData.RefreshToken
			acc.LastUsedAt = time.Now().UnixMilli()
			writeAccounts(existingAccounts)
			return nil
		}
	}

	fmt.Printf("\n✓ Successfully authenticated: %s\n", accountData.Email)
	fmt.Println("  Project will be discovered on first API request.")

	return &accountstore.Account{
		Email:        accountData.Email,
		RefreshToken: accountData.RefreshToken,
		ProjectID:    accountData.ProjectID,
		Source:       accountstore.SourceOAuth,
		Enabled:      true,
		AddedAt:      time.Now().UnixMilli(),
	}
}

func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\n📋 No-browser mode: you will manually paste the authorization code.")
	}

	accounts := loadAccounts()

	if len(accounts) > 0 {
		displayAccounts(accounts)

		choice := prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: ")
		switch strings.ToLower(choice) {
		case "r":
			interactiveRemove(scanner)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			accounts = nil
			writeAccounts(accounts)
		case "e":
			fmt.Println("\nExiting...")
			return
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if len(accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	var newAccount *accountstore.Account
	if noBrowser {
		newAccount = addAccountNoBrowser(accounts, scanner)
	} else {
		newAccount = addAccount(accounts)
	}

	if newAccount != nil {
		accounts = append(accounts, newAccount)
		writeAccounts(accounts)
		fmt.Printf("\n✓ Saved account %s\n", newAccount.Email)
	}

	if len(accounts) > 0 {
		displayAccounts(accounts)
		fmt.Println("\nTo add more accounts, run this command again.")
	} else {
		fmt.Println("\nNo accounts to save.")
	}
}

func interactiveRemove(scanner *bufio.Scanner) {
	for {
		accounts := loadAccounts()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			remaining := append(accounts[:index-1:index-1], accounts[index:]...)
			writeAccounts(remaining)
			fmt.Printf("\n✓ Removed %s\n", removed.Email)
		} else {
			fmt.Println("\nCancelled.")
		}

		removeMore := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(removeMore) != "y" {
			break
		}
	}
}

func listAccounts() {
	displayAccounts(loadAccounts())
}

func clearAccounts(scanner *bufio.Scanner) {
	accounts := loadAccounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(accounts)
	confirm := prompt(scanner, "\nAre you sure you want to remove all accounts? [y/N]: ")
	if strings.ToLower(confirm) == "y" {
		writeAccounts(nil)
		fmt.Println("All accounts removed.")
	} else {
		fmt.Println("Cancelled.")
	}
}

func verifyAccounts() {
	accounts := loadAccounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")

	ctx := context.Background()
	for _, acc := range accounts {
		tokens, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		email, err := auth.GetUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		fmt.Printf("  ✓ %s - OK\n", email)
	}
}
