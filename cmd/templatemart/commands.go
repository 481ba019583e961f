package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/templatemart/internal/auth"
	"github.com/tyemirov/templatemart/internal/cart"
	"github.com/tyemirov/templatemart/internal/market"
	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newLoginCommand(configuration *viper.Viper) *cobra.Command {
	var credentials auth.Credentials
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			profile, loginErr := app.auth.Login(commandContext(command), credentials)
			if loginErr != nil {
				_, _ = fmt.Fprintln(command.ErrOrStderr(), app.auth.State().Error)
				return loginErr
			}
			_, err := fmt.Fprintf(command.OutOrStdout(), "Logged in as %s <%s>\n", profile.Name, profile.Email)
			return err
		}),
	}
	command.Flags().StringVar(&credentials.Email, "email", "", "Account email")
	command.Flags().StringVar(&credentials.Password, "password", "", "Account password")
	_ = command.MarkFlagRequired("email")
	_ = command.MarkFlagRequired("password")
	return command
}

func newLogoutCommand(configuration *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session locally and on the server",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			app.auth.Logout(commandContext(command))
			_, err := fmt.Fprintln(command.OutOrStdout(), "Logged out")
			return err
		}),
	}
}

func newWhoAmICommand(configuration *viper.Viper) *cobra.Command {
	var follow bool
	command := &cobra.Command{
		Use:   "whoami",
		Short: "Validate the stored session and print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			ctx := commandContext(command)
			app.auth.Initialize(ctx)
			output := command.OutOrStdout()
			printAuthState(output, app, app.auth.State())
			if !follow {
				return nil
			}
			watcher, ok := app.store.(storage.Watcher)
			if !ok {
				return errors.New("whoami.follow: storage backend does not report changes")
			}
			followCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			unsubscribe := app.auth.Subscribe(func(state auth.State) {
				printAuthState(output, app, state)
			})
			defer unsubscribe()
			if followErr := app.auth.Follow(followCtx, watcher); followErr != nil {
				return followErr
			}
			<-followCtx.Done()
			return nil
		}),
	}
	command.Flags().BoolVar(&follow, "follow", false, "Keep running and report sign-ins and sign-outs made by other processes")
	return command
}

func printAuthState(output io.Writer, app *application, state auth.State) {
	if state.User == nil {
		_, _ = fmt.Fprintln(output, "Not logged in")
		return
	}
	_, _ = fmt.Fprintf(output, "%s <%s> role=%s\n", state.User.Name, state.User.Email, state.User.Role)
	if app.auth.IsAdmin() {
		_, _ = fmt.Fprintln(output, "administrator privileges enabled")
	}
	if expiresAt, ok := app.sessions.AccessTokenExpiry(context.Background()); ok {
		_, _ = fmt.Fprintf(output, "access token expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	}
}

func newRegisterCommand(configuration *viper.Viper) *cobra.Command {
	var registration auth.Registration
	command := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			if registration.ConfirmPassword == "" {
				registration.ConfirmPassword = registration.Password
			}
			if registerErr := app.auth.Register(commandContext(command), registration); registerErr != nil {
				return registerErr
			}
			_, err := fmt.Fprintf(command.OutOrStdout(), "Registered %s; run `templatemart login` to sign in\n", registration.Email)
			return err
		}),
	}
	command.Flags().StringVar(&registration.Username, "username", "", "Display name")
	command.Flags().StringVar(&registration.Email, "email", "", "Account email")
	command.Flags().StringVar(&registration.Password, "password", "", "Password, at least 6 characters")
	command.Flags().StringVar(&registration.ConfirmPassword, "confirm-password", "", "Password confirmation; defaults to --password")
	return command
}

func newCartCommand(configuration *viper.Viper) *cobra.Command {
	cartCmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and edit the local cart",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cart",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			if asJSON {
				snapshot, snapshotErr := app.cart.Snapshot()
				if snapshotErr != nil {
					return snapshotErr
				}
				_, err := fmt.Fprintln(command.OutOrStdout(), string(snapshot))
				return err
			}
			return printCart(command.OutOrStdout(), app.cart.State())
		}),
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the stored JSON snapshot")

	addCmd := &cobra.Command{
		Use:   "add TEMPLATE_ID",
		Short: "Add one unit of a template",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			ctx := commandContext(command)
			template, lookupErr := app.catalog.Get(ctx, arguments[0])
			if lookupErr != nil {
				return lookupErr
			}
			return printCart(command.OutOrStdout(), app.cart.Add(ctx, template.CartItem()))
		}),
	}

	removeCmd := &cobra.Command{
		Use:   "remove TEMPLATE_ID",
		Short: "Remove a line",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			return printCart(command.OutOrStdout(), app.cart.Remove(commandContext(command), arguments[0]))
		}),
	}

	setCmd := &cobra.Command{
		Use:   "set TEMPLATE_ID QUANTITY",
		Short: "Set the quantity of a line; zero removes it",
		Args:  cobra.ExactArgs(2),
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			quantity, parseErr := strconv.Atoi(arguments[1])
			if parseErr != nil {
				return fmt.Errorf("cart.set: quantity %q is not a number", arguments[1])
			}
			return printCart(command.OutOrStdout(), app.cart.UpdateQuantity(commandContext(command), arguments[0], quantity))
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			return printCart(command.OutOrStdout(), app.cart.Clear(commandContext(command)))
		}),
	}

	cartCmd.AddCommand(showCmd, addCmd, removeCmd, setCmd, clearCmd)
	return cartCmd
}

func printCart(output io.Writer, state cart.State) error {
	if len(state.Items) == 0 {
		_, err := fmt.Fprintln(output, "Cart is empty")
		return err
	}
	table := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(table, "ID\tTITLE\tUNIT\tQTY\tSUBTOTAL")
	for _, item := range state.Items {
		_, _ = fmt.Fprintf(table, "%s\t%s\t%.2f\t%d\t%.2f\n", item.ID, item.Title, item.UnitPrice, item.Quantity, item.UnitPrice*float64(item.Quantity))
	}
	_, _ = fmt.Fprintf(table, "\t\t\t%d\t%.2f\n", state.TotalItems, state.TotalAmount)
	return table.Flush()
}

func newTemplatesCommand(configuration *viper.Viper) *cobra.Command {
	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "Browse the template catalog",
	}

	var filter market.Filter
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			templates, listErr := app.catalog.List(commandContext(command), filter)
			if listErr != nil {
				return listErr
			}
			table := tabwriter.NewWriter(command.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(table, "ID\tTITLE\tCATEGORY\tPRICE")
			for _, template := range templates {
				_, _ = fmt.Fprintf(table, "%s\t%s\t%s\t%.2f\n", template.ID, template.Title, template.Category, template.Price)
			}
			return table.Flush()
		}),
	}
	listCmd.Flags().StringVar(&filter.Category, "category", "", "Only templates in this category")
	listCmd.Flags().StringVar(&filter.Query, "query", "", "Only templates whose title or description contains this text")

	showCmd := &cobra.Command{
		Use:   "show TEMPLATE_ID",
		Short: "Print one template",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			template, getErr := app.catalog.Get(commandContext(command), arguments[0])
			if getErr != nil {
				return getErr
			}
			return writeYAML(command.OutOrStdout(), template)
		}),
	}

	templatesCmd.AddCommand(listCmd, showCmd)
	return templatesCmd
}

func newCheckoutCommand(configuration *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout",
		Short: "Purchase everything in the cart",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			order, checkoutErr := app.orders.Checkout(commandContext(command))
			if checkoutErr != nil {
				return checkoutErr
			}
			app.logger.Debug("order received", zap.String("order_id", order.ID))
			return writeYAML(command.OutOrStdout(), order)
		}),
	}
}

func newOrdersCommand(configuration *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List past orders",
		Args:  cobra.NoArgs,
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			history, listErr := app.orders.List(commandContext(command))
			if listErr != nil {
				return listErr
			}
			table := tabwriter.NewWriter(command.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(table, "ORDER\tSTATUS\tITEMS\tTOTAL\tCREATED")
			for _, order := range history {
				_, _ = fmt.Fprintf(table, "%s\t%s\t%d\t%.2f\t%s\n", order.ID, order.Status, len(order.Items), order.TotalAmount, order.CreatedAt.UTC().Format(time.RFC3339))
			}
			return table.Flush()
		}),
	}
}

func newDownloadCommand(configuration *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "download TEMPLATE_ID",
		Short: "Print the download link of a purchased template",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApplication(configuration, func(command *cobra.Command, app *application, arguments []string) error {
			location, downloadErr := app.orders.DownloadURL(commandContext(command), arguments[0])
			if downloadErr != nil {
				return downloadErr
			}
			_, err := fmt.Fprintln(command.OutOrStdout(), location)
			return err
		}),
	}
}

func writeYAML(output io.Writer, value any) error {
	encoder := yaml.NewEncoder(output)
	encoder.SetIndent(2)
	if encodeErr := encoder.Encode(value); encodeErr != nil {
		return fmt.Errorf("output.yaml: %w", encodeErr)
	}
	return encoder.Close()
}
