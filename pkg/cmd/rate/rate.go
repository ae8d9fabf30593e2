package rate

import (
	"fmt"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stleox/tracepipe/pkg/config"
	"github.com/stleox/tracepipe/pkg/coord"
)

func New(vp *viper.Viper) *cobra.Command {
	rate := &cobra.Command{
		Use:   "rate",
		Short: "Read or change the sample rate stored in the coordination store",
	}
	rate.PersistentFlags().String(config.KeyCoordConnectString, "", "ZooKeeper servers, e.g. 10.0.0.1:2181,10.0.0.2:2181")
	rate.PersistentFlags().String(config.KeyCoordRateNode, config.DefaultRateNode, "Node holding the sample rate")
	if err := vp.BindPFlags(rate.PersistentFlags()); err != nil {
		logrus.WithError(err).Fatal("TracePipe couldn't bind rate flags")
	}

	rate.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current sample rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, node, err := openStore(vp)
			if err != nil {
				return err
			}
			defer store.Close()
			return getRate(store, node, cmd.OutOrStdout())
		},
	})
	rate.AddCommand(&cobra.Command{
		Use:   "set <rate>",
		Short: "Change the sample rate: <= 0 disables tracing, 1 traces everything, n traces one request in n",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, node, err := openStore(vp)
			if err != nil {
				return err
			}
			defer store.Close()
			return setRate(store, node, args[0], cmd.OutOrStdout())
		},
	})
	return rate
}

func openStore(vp *viper.Viper) (coord.Store, string, error) {
	servers, err := config.ParseConnectString(vp.GetString(config.KeyCoordConnectString))
	if err != nil {
		return nil, "", err
	}
	timeout := vp.GetDuration(config.KeyCoordSessionTimeout)
	if timeout <= 0 {
		timeout = config.DefaultSessionTimeout
	}
	store, err := coord.NewZkStore(servers, timeout)
	if err != nil {
		return nil, "", err
	}
	return store, vp.GetString(config.KeyCoordRateNode), nil
}

func getRate(store coord.Store, node string, w io.Writer) error {
	value, err := store.GetValue(node)
	if err != nil {
		return fmt.Errorf("reading %s: %w", node, err)
	}
	_, err = fmt.Fprintf(w, "%s = %d\n", node, value)
	return err
}

func setRate(store coord.Store, node, raw string, w io.Writer) error {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("rate must be an integer: %w", err)
	}
	if err := store.SetValue(node, value); err != nil {
		return fmt.Errorf("writing %s: %w", node, err)
	}
	logrus.WithField("node", node).WithField("rate", value).Info("TracePipe changed sample rate")
	_, err = fmt.Fprintf(w, "%s = %d\n", node, value)
	return err
}
