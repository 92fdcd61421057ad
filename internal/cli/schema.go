package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/transit/internal/schema"
)

// ModelSummary is the JSON form of a model in 'transit schema'.
type ModelSummary struct {
	Name        string              `json:"name"`
	Prefix      string              `json:"prefix"`
	Table       string              `json:"table"`
	States      map[string][]string `json:"states"`
	Transitions []string            `json:"transitions"`
}

func newSchemaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the project's models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, needProject)
			if err != nil {
				return err
			}
			defer s.Close()

			models := s.project.Schema().Models()
			if s.out.json() {
				out := make([]ModelSummary, 0, len(models))
				for _, m := range models {
					out = append(out, summarize(m))
				}
				return s.out.writeJSON(out)
			}

			rows := make([]table.Row, 0, len(models))
			for _, m := range models {
				sum := summarize(m)
				states := make([]string, 0, len(m.States))
				for _, st := range m.States {
					states = append(states, st.Name)
				}
				rows = append(rows, table.Row{
					m.Name, m.Prefix, m.Table(),
					strings.Join(states, "\n"),
					strings.Join(sum.Transitions, "\n"),
				})
			}
			s.out.table(table.Row{"Model", "Prefix", "Table", "States", "Transitions"}, rows)
			return nil
		},
	}
}

func summarize(m *schema.Model) ModelSummary {
	sum := ModelSummary{
		Name:   m.Name,
		Prefix: m.Prefix,
		Table:  m.Table(),
		States: make(map[string][]string, len(m.States)),
	}
	for _, st := range m.States {
		fields := make([]string, 0, len(st.Fields))
		for _, f := range st.Fields {
			fields = append(fields, fmt.Sprintf("%s %s", f.Name, f.Type))
		}
		sum.States[st.Name] = fields
	}
	for _, t := range m.Transitions {
		from := "*"
		if !t.Initializing() {
			from = strings.Join(t.From, "|")
		}
		sum.Transitions = append(sum.Transitions,
			fmt.Sprintf("%s: %s -> %s", t.Name, from, strings.Join(t.To, "|")))
	}
	return sum
}
