package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loykin/rcvisor/internal/attr"
	"github.com/loykin/rcvisor/internal/attr/factory"
	"github.com/loykin/rcvisor/internal/config"
)

type command struct {
	inv   config.Invocation
	flags *Flags
	out   io.Writer
	log   *slog.Logger

	settings config.Settings
}

func (sv *command) setup() error {
	s, err := config.Load(sv.flags.ConfigPath, sv.inv.UserMode)
	if err != nil {
		return err
	}
	sv.settings = s
	return nil
}

// Run performs c for the service named by RC_SVCNAME.
func (sv *command) Run(ctx context.Context, c Command, args []string) error {
	service := sv.inv.Service
	if service == "" {
		return errors.New("no service specified")
	}
	if len(args) == 0 || args[0] == "" {
		if c == CmdExport {
			return errors.New("no variable specified")
		}
		return errors.New("no option specified")
	}

	st, err := factory.Open(sv.settings.AttrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	switch c {
	case CmdGet:
		v, ok, err := st.Get(ctx, service, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return errNotSet
		}
		_, err = io.WriteString(sv.out, v)
		return err
	case CmdSet:
		if len(args) < 2 {
			return st.Delete(ctx, service, args[0])
		}
		return st.Set(ctx, service, args[0], args[1])
	case CmdExport:
		key, value, hasValue := strings.Cut(args[0], "=")
		var val *string
		if hasValue {
			val = &value
		}
		ok, err := attr.Export(ctx, st, service, key, val, sv.inv.Getenv)
		if err != nil {
			return err
		}
		if !ok {
			sv.log.Warn(fmt.Sprintf("environment variable %s not set, skipping.", key))
		}
		return nil
	}
	return fmt.Errorf("unsupported command %s", c)
}
