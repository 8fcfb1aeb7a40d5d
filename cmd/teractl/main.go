package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tera-db/tera/meta"
	"github.com/tera-db/tera/rpcutil"
)

var masterAddr string

func main() {
	root := &cobra.Command{
		Use:   "teractl",
		Short: "control-plane client for a tera cluster",
	}
	root.PersistentFlags().StringVar(&masterAddr, "master", "127.0.0.1:9100", "master grpc address")

	root.AddCommand(
		createCmd(), dropCmd(), enableCmd(), disableCmd(), renameCmd(),
		showCmd(), showtsCmd(), snapshotCmd(), rollbackCmd(), delsnapshotCmd(),
		safemodeCmd(), kickCmd(), compactCmd(), splitCmd(), mergeCmd(), moveCmd(),
		userCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*rpcutil.MasterControlProxy, error) {
	c, err := rpcutil.Dial(masterAddr)
	if err != nil {
		return nil, err
	}
	return rpcutil.NewMasterControlProxy(c), nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "teractl:", err)
	os.Exit(1)
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <table>",
		Short: "create a table with a single default locality group",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			schema := meta.Schema{
				LocalityGroups: []meta.LocalityGroup{{Name: "default"}},
			}
			if err := p.CreateTable(context.Background(), args[0], schema, nil); err != nil {
				fail(err)
			}
		},
	}
}

func dropCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "drop <table>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.DropTable(context.Background(), args[0]); err != nil {
				fail(err)
			}
		},
	}
}

func enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "enable <table>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.EnableTable(context.Background(), args[0]); err != nil {
				fail(err)
			}
		},
	}
}

func disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "disable <table>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.DisableTable(context.Background(), args[0]); err != nil {
				fail(err)
			}
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "rename <old> <new>",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.RenameTable(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "show <table>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			tm, tablets, err := p.ShowTable(context.Background(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("table %s status=%v snapshots=%v\n", tm.Name, tm.Status, tm.Snapshots)
			for _, t := range tablets {
				fmt.Printf("  tablet %d [%x, %x) status=%v server=%s\n",
					t.TabletNumber, t.StartKey, t.EndKey, t.Status, t.ServerAddr)
			}
		},
	}
}

func showtsCmd() *cobra.Command {
	return &cobra.Command{
		Use: "showts",
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			nodes, err := p.ShowTabletServers(context.Background())
			if err != nil {
				fail(err)
			}
			for _, n := range nodes {
				fmt.Printf("%s status=%v tablets=%d data=%d\n", n.Addr, n.Status, n.TabletCount, n.DataSize)
			}
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "snapshot <table>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			id, err := p.Snapshot(context.Background(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Println(id)
		},
	}
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "rollback <table> <snapshot_id>",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.Rollback(context.Background(), args[0], id); err != nil {
				fail(err)
			}
		},
	}
}

func delsnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "delsnapshot <table> <snapshot_id>",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.DeleteSnapshot(context.Background(), args[0], id); err != nil {
				fail(err)
			}
		},
	}
}

func safemodeCmd() *cobra.Command {
	c := &cobra.Command{Use: "safemode"}
	c.AddCommand(
		&cobra.Command{Use: "enter", Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.SafeModeEnter(context.Background()); err != nil {
				fail(err)
			}
		}},
		&cobra.Command{Use: "leave", Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.SafeModeLeave(context.Background()); err != nil {
				fail(err)
			}
		}},
	)
	return c
}

func kickCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "kick <addr>",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.Kick(context.Background(), args[0]); err != nil {
				fail(err)
			}
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "compact <table> <tablet_number>",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			num, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.Compact(context.Background(), args[0], num); err != nil {
				fail(err)
			}
		},
	}
}

func splitCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "split <table> <tablet_number>",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			num, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.Split(context.Background(), args[0], num); err != nil {
				fail(err)
			}
		},
	}
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "merge <table> <tablet_a> <tablet_b>",
		Args: cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			a, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			b, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.Merge(context.Background(), args[0], a, b); err != nil {
				fail(err)
			}
		},
	}
}

func moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "move <table> <tablet_number> <target_addr>",
		Args: cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			num, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail(err)
			}
			if err := p.Move(context.Background(), args[0], num, args[2]); err != nil {
				fail(err)
			}
		},
	}
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user"}
	c.AddCommand(
		&cobra.Command{Use: "create <name> <pass>", Args: cobra.ExactArgs(2), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.CreateUser(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
		}},
		&cobra.Command{Use: "delete <name>", Args: cobra.ExactArgs(1), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.DeleteUser(context.Background(), args[0]); err != nil {
				fail(err)
			}
		}},
		&cobra.Command{Use: "passwd <name> <pass>", Args: cobra.ExactArgs(2), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.ChangePwd(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
		}},
		&cobra.Command{Use: "show <name>", Args: cobra.ExactArgs(1), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			u, err := p.ShowUser(context.Background(), args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("%s groups=%v\n", u.Name, u.Groups)
		}},
		&cobra.Command{Use: "addgroup <name> <group>", Args: cobra.ExactArgs(2), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.AddToGroup(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
		}},
		&cobra.Command{Use: "removegroup <name> <group>", Args: cobra.ExactArgs(2), Run: func(cmd *cobra.Command, args []string) {
			p, err := dial()
			if err != nil {
				fail(err)
			}
			if err := p.RemoveFromGroup(context.Background(), args[0], args[1]); err != nil {
				fail(err)
			}
		}},
	)
	return c
}
