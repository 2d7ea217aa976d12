package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/usersync/internal/model"
	"github.com/mschirtzinger/usersync/internal/ui"
)

// writeUsers renders a user list in format.
func writeUsers(w io.Writer, format string, users []model.User) error {
	if users == nil {
		users = []model.User{}
	}
	switch format {
	case "json":
		return writeJSON(w, users)
	case "yaml":
		return writeYAML(w, users)
	}

	if len(users) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No cached users. Run 'usersync sync' to fetch them."))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tCITY")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Address.City)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, ui.RenderMuted(fmt.Sprintf("%d users", len(users))))
	return nil
}

// writeUser renders a single user in format.
func writeUser(w io.Writer, format string, u model.User) error {
	switch format {
	case "json":
		return writeJSON(w, u)
	case "yaml":
		return writeYAML(w, u)
	}

	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(u.Name), ui.RenderMuted(fmt.Sprintf("#%d", u.ID)))
	fmt.Fprintf(w, "  Email:   %s\n", u.Email)
	fmt.Fprintf(w, "  Phone:   %s\n", u.Phone)
	fmt.Fprintf(w, "  Address: %s\n", u.Address.FullAddress())
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
