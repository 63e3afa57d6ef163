package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/manager"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// withManager loads the configuration and calls fn with a new manager.
func withManager(ctx context.Context, skipScan bool, helper models.PredictionHelper, fn func(*manager.Manager) error) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if skipScan {
		c.SkipInitialScan = true
	}
	m, err := newManager(ctx, &c, newLogger(logLevel), nil, helper)
	if err != nil {
		return err
	}
	return fn(m)
}

type filterFlags struct {
	base string
	typ  string
	name string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "", "Only models of the given base (sd-1, sd-2)")
	cmd.Flags().StringVar(&f.typ, "type", "", "Only models of the given type")
	cmd.Flags().StringVar(&f.name, "name", "", "Only models with the given name")
}

func (f *filterFlags) filter() (registry.Filter, error) {
	var r registry.Filter
	if f.base != "" {
		b, err := modelkind.ParseBase(f.base)
		if err != nil {
			return r, err
		}
		r.Base = b
	}
	if f.typ != "" {
		t, err := modelkind.ParseType(f.typ)
		if err != nil {
			return r, err
		}
		r.Type = t
	}
	r.Name = f.name
	return r, nil
}

func listCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), false, nil, func(m *manager.Manager) error {
				printModels(os.Stdout, m.List(f))
				return nil
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func printModels(w io.Writer, es []registry.Entry) {
	var data [][]string
	for _, e := range es {
		data = append(data, []string{
			e.Key.Name,
			string(e.Key.Base),
			string(e.Key.Type),
			string(e.Config.Format),
			e.Config.Path,
			string(e.Config.Error),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "BASE", "TYPE", "FORMAT", "PATH", "ERROR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <base/type/name>",
		Short: "Show the attributes of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := modelkey.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), false, nil, func(m *manager.Manager) error {
				attrs, err := m.Info(key)
				if err != nil {
					return err
				}
				return printAttributes(os.Stdout, attrs)
			})
		},
	}
	return cmd
}

func printAttributes(w io.Writer, attrs models.Attributes) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(attrs)); err != nil {
		return err
	}
	return enc.Close()
}

func getCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   "get <base/type/name>",
		Short: "Convert and load a model, then print where it was loaded from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := modelkey.Parse(args[0])
			if err != nil {
				return err
			}
			var sm modelkind.SubModel
			if sub != "" {
				if sm, err = modelkind.ParseSubModel(sub); err != nil {
					return err
				}
			}
			return withManager(cmd.Context(), false, nil, func(m *manager.Manager) error {
				return m.WithModel(cmd.Context(), key, sm, func(info *manager.ModelInfo) error {
					fmt.Printf("key:       %s\n", info.Key)
					fmt.Printf("type:      %s\n", info.Type)
					if info.SubModel != "" {
						fmt.Printf("submodel:  %s\n", info.SubModel)
					}
					fmt.Printf("location:  %s\n", info.Location)
					fmt.Printf("precision: %s\n", info.Precision)
					if info.Hash != "" {
						fmt.Printf("sha256:    %s\n", info.Hash)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&sub, "submodel", "", "Sub-model to load")
	return cmd
}

func addCmd() *cobra.Command {
	var (
		path        string
		format      string
		description string
		variant     string
		ckptConfig  string
		prediction  string
		clobber     bool
	)
	cmd := &cobra.Command{
		Use:   "add <base/type/name>",
		Short: "Register a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := modelkey.Parse(args[0])
			if err != nil {
				return err
			}
			attrs := models.Attributes{"path": path}
			for k, v := range map[string]string{
				"model_format":    format,
				"description":     description,
				"variant":         variant,
				"config":          ckptConfig,
				"prediction_type": prediction,
			} {
				if v != "" {
					attrs[k] = v
				}
			}
			return withManager(cmd.Context(), true, nil, func(m *manager.Manager) error {
				if err := m.Add(key, attrs, clobber); err != nil {
					return err
				}
				fmt.Printf("Added %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Location of the model")
	cmd.Flags().StringVar(&format, "format", "", "Format of the model (checkpoint, diffusers, lycoris, ...)")
	cmd.Flags().StringVar(&description, "description", "", "Description")
	cmd.Flags().StringVar(&variant, "variant", "", "Variant of a main model (normal, inpaint, depth)")
	cmd.Flags().StringVar(&ckptConfig, "checkpoint-config", "", "Original configuration file of a checkpoint")
	cmd.Flags().StringVar(&prediction, "prediction-type", "", "Prediction type (epsilon, v_prediction, sample)")
	cmd.Flags().BoolVar(&clobber, "clobber", false, "Replace an existing model")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <base/type/name>",
		Short: "Unregister a model. Files under the models directory are removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := modelkey.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), true, nil, func(m *manager.Manager) error {
				if err := m.Delete(key); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", key)
				return nil
			})
		},
	}
	return cmd
}

func convertCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "convert <base/type/name>",
		Short: "Convert a checkpoint model into a diffusers bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := modelkey.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), true, nil, func(m *manager.Manager) error {
				attrs, err := m.Convert(cmd.Context(), key, dest)
				if err != nil {
					return err
				}
				return printAttributes(os.Stdout, attrs)
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "Directory to place the converted model in. Defaults to the models directory")
	return cmd
}

func scanCmd() *cobra.Command {
	var (
		ff         filterFlags
		prediction string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Reconcile the registry with the model directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			helper, err := predictionHelper(prediction)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), true, helper, func(m *manager.Manager) error {
				res, err := m.Scan(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Printf("added: %d, removed: %d, marked: %d, imported: %d\n", res.Added, res.Removed, res.Marked, res.Imported)
				return nil
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&prediction, "prediction-type", "", "Prediction type for checkpoints that need one. Prompts when unset and stdin is a terminal")
	return cmd
}

func importCmd() *cobra.Command {
	var prediction string
	cmd := &cobra.Command{
		Use:   "import <path|s3://bucket/prefix>...",
		Short: "Import models from files, directories or S3",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			helper, err := predictionHelper(prediction)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), true, nil, func(m *manager.Manager) error {
				installed, ierr := m.HeuristicImport(cmd.Context(), args, helper)
				var es []registry.Entry
				for k, c := range installed {
					es = append(es, registry.Entry{Key: k, Config: c})
				}
				sort.Slice(es, func(i, j int) bool { return es[i].Key.String() < es[j].Key.String() })
				if len(es) > 0 {
					printModels(os.Stdout, es)
				}
				return ierr
			})
		},
	}
	cmd.Flags().StringVar(&prediction, "prediction-type", "", "Prediction type for checkpoints that need one. Prompts when unset and stdin is a terminal")
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <dir>",
		Short: "Find checkpoint and safetensors files under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), true, nil, func(m *manager.Manager) error {
				found, err := m.SearchModels(args[0])
				if err != nil {
					return err
				}
				table := tablewriter.NewWriter(os.Stdout)
				table.SetHeader([]string{"NAME", "LOCATION"})
				table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
				table.SetAlignment(tablewriter.ALIGN_LEFT)
				table.SetHeaderLine(false)
				table.SetBorder(false)
				table.SetNoWhiteSpace(true)
				table.SetTablePadding("    ")
				for _, f := range found {
					table.Append([]string{f.Name, f.Location})
				}
				table.Render()
				return nil
			})
		},
	}
	return cmd
}
