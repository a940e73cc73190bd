//go:build linux
// +build linux

package tun

// The linux platform specific tun parts

import (
	"github.com/vishvananda/netlink"
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
	return tun.setupAddress(addr)
}

// Assigns the address and brings the link up over netlink, so there is
// no hard requirement on "ip" or "ifconfig" existing on the system.
func (tun *TunAdapter) setupAddress(addr string) error {
	if addr == "" {
		tun.log.Infof("Interface name: %s", tun.Name())
		tun.log.Infoln("Interface has no address configured")
		return nil
	}
	nladdr, err := netlink.ParseAddr(addr)
	if err != nil {
		return err
	}
	nlintf, err := netlink.LinkByName(tun.Name())
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(nlintf, nladdr); err != nil {
		return err
	}
	if err := netlink.LinkSetMTU(nlintf, int(tun.mtu)); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(nlintf); err != nil {
		return err
	}
	// Friendly output
	tun.log.Infof("Interface name: %s", tun.Name())
	tun.log.Infof("Interface address: %s", addr)
	tun.log.Infof("Interface MTU: %d", tun.mtu)
	return nil
}
