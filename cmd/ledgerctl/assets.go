package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"AgentLedger/sdk/go/agentledger"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "用 --key 签名挑战并打印访问令牌",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.key == "" {
				return fmt.Errorf("login 需要 --key")
			}
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			key, err := parseKey(a.key)
			if err != nil {
				return err
			}
			token, err := c.Login(cmd.Context(), key)
			if err != nil {
				return err
			}
			return a.print(token, func(w io.Writer) {
				fmt.Fprintln(w, token.AccessToken)
			})
		},
	}
}

func newMintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mint <to> <content-ref>",
		Short: "铸造新资产（仅限发行方）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseAddress("to", args[0])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			asset, err := c.Mint(cmd.Context(), to, args[1])
			if err != nil {
				return err
			}
			return a.printAsset(asset)
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <asset-id>",
		Short: "查看资产及其挂单",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			asset, err := c.Asset(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printAsset(asset)
		},
	}
}

func newAssetsCmd(a *app) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "列出资产，可按持有人过滤",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *common.Address
			if owner != "" {
				addr, err := parseAddress("owner", owner)
				if err != nil {
					return err
				}
				filter = &addr
			}
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			assets, err := c.Assets(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(assets, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOWNER\tPRICE\tCONTENT")
				for _, asset := range assets {
					price := "-"
					if asset.Listing != nil {
						price = asset.Listing.Price
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", asset.ID, asset.Owner, price, asset.ContentRef)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "只显示该地址持有的资产")
	return cmd
}

func newTransferCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <asset-id> <to>",
		Short: "市场外转移资产（仅限发行方）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			to, err := parseAddress("to", args[1])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			asset, err := c.Transfer(cmd.Context(), id, to)
			if err != nil {
				return err
			}
			return a.printAsset(asset)
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <asset-id>",
		Short: "按顺序显示资产的流转记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			events, err := c.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.print(events, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tKIND\tOWNER\tPRICE\tAT")
				for _, ev := range events {
					price := ev.Price
					if price == "" {
						price = "-"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Sequence, ev.Kind, ev.Owner, price, ev.OccurredAt.Format("2006-01-02 15:04:05"))
				}
				tw.Flush()
			})
		},
	}
}

func (a *app) printAsset(asset agentledger.Asset) error {
	return a.print(asset, func(w io.Writer) {
		fmt.Fprintf(w, "asset %d\n", asset.ID)
		fmt.Fprintf(w, "  owner:   %s\n", asset.Owner)
		fmt.Fprintf(w, "  content: %s\n", asset.ContentRef)
		if asset.Listing != nil {
			fmt.Fprintf(w, "  listed:  %s wei by %s\n", asset.Listing.Price, asset.Listing.Seller)
		} else {
			fmt.Fprintln(w, "  listed:  no")
		}
	})
}
