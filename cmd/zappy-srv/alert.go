// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/zappy/zap"
	mail "gopkg.in/gomail.v2"
)

// maxAlerts is the maximum number of alerts sent during the lifetime
// of the server.
const maxAlerts = 5

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = splitTargets(os.Getenv("MAIL_TGTS"))
)

// sendMail delivers a message through the configured SMTP server.
var sendMail = func(msg *mail.Message) error {
	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}

// alert mails the operators about an abnormal zap.
// It must be called with srv.mu held.
func (srv *server) alert(ctx tdaq.Context, what string, cfg zap.ZapConfig, res zap.Result) {
	ctx.Msg.Warnf("alert: %s (row=%d, col=%d, voltage=%dV)", what, cfg.Row, cfg.Col, cfg.Voltage)

	if srv.alerts >= maxAlerts {
		ctx.Msg.Debugf("alert budget exhausted, not sending mail")
		return
	}

	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		ctx.Msg.Warnf("could not send mail alert: missing credentials")
		return
	}
	srv.alerts++

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[zappy-srv] %s alert: %s", srv.cfg.name, what))
	msg.SetBody("text/plain", alertBody(what, cfg, res))

	go func() {
		err := sendMail(msg)
		if err != nil {
			ctx.Msg.Errorf("could not send mail alert: %+v", err)
		}
	}()
}

func alertBody(what string, cfg zap.ZapConfig, res zap.Result) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "alert:    %s\n", what)
	fmt.Fprintf(o, "electrode: row=%d col=%d\n", cfg.Row, cfg.Col)
	fmt.Fprintf(o, "voltage:  %d V\n", cfg.Voltage)
	fmt.Fprintf(o, "energy:   %d (%g J)\n", res.Energy, res.Joules)
	fmt.Fprintf(o, "overrun:  %d\n", res.Overrun)
	fmt.Fprintf(o, "delta:    %v\n", res.DeltaScram)
	fmt.Fprintf(o, "cutoff:   %v\n", res.Cutoff)
	return o.String()
}

func splitTargets(s string) []string {
	var tgts []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		tgts = append(tgts, v)
	}
	return tgts
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
