package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"AgentLedger/sdk/go/agentledger"
)

type priceFunc func(c *agentledger.Client, ctx context.Context, id uint64, price *big.Int) (agentledger.Asset, error)

func newListCmd(a *app) *cobra.Command {
	return newPriceCmd(a, "list <asset-id> <price-wei>", "以指定价格挂单出售", (*agentledger.Client).List)
}

func newUpdatePriceCmd(a *app) *cobra.Command {
	return newPriceCmd(a, "update-price <asset-id> <price-wei>", "修改挂单价格", (*agentledger.Client).UpdatePrice)
}

func newPriceCmd(a *app, use, short string, apply priceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			price, err := parseWei("price", args[1])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			asset, err := apply(c, cmd.Context(), id, price)
			if err != nil {
				return err
			}
			return a.printAsset(asset)
		},
	}
}

func newDelistCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delist <asset-id>",
		Short: "撤销挂单",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			asset, err := c.Delist(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printAsset(asset)
		},
	}
}

func newBuyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "buy <asset-id> <payment-wei>",
		Short: "购买挂单中的资产，多付部分计入待提取余额",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			payment, err := parseWei("payment", args[1])
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			receipt, err := c.Purchase(cmd.Context(), id, payment)
			if err != nil {
				return err
			}
			return a.print(receipt, func(w io.Writer) {
				fmt.Fprintf(w, "asset %d: %s -> %s\n", receipt.AssetID, receipt.PreviousOwner, receipt.Buyer)
				fmt.Fprintf(w, "  price:  %s wei\n", receipt.Price)
				fmt.Fprintf(w, "  refund: %s wei\n", receipt.Refund)
			})
		},
	}
}

func newListingsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listings",
		Short: "列出所有在售挂单",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			listings, err := c.Listings(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(listings, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSELLER\tPRICE")
				for _, l := range listings {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", l.AssetID, l.Seller, l.Price)
				}
				tw.Flush()
			})
		},
	}
}
