//go:build !linux
// +build !linux

package tun

// Fallback for platforms without netlink. The tun device is created but
// address configuration is left to the operator.

import (
	wgtun "golang.zx2c4.com/wireguard/tun"
)

func (tun *TunAdapter) setup(ifname string, addr string, mtu uint64) error {
	if ifname == "auto" {
		ifname = "\000"
	}
	iface, err := wgtun.CreateTUN(ifname, int(mtu))
	if err != nil {
		return err
	}
	tun.iface = iface
	if mtu, err := iface.MTU(); err == nil {
		tun.mtu = getSupportedMTU(uint64(mtu))
	} else {
		tun.mtu = 0
	}
	tun.log.Infof("Interface name: %s", tun.Name())
	if addr != "" {
		tun.log.Infof("Configure address %s manually on this platform", addr)
	}
	return nil
}
