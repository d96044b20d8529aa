package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/camino-sys/canmonitor/pkg/can"
	_ "github.com/camino-sys/canmonitor/pkg/can/socketcan"
	_ "github.com/camino-sys/canmonitor/pkg/can/socketcanraw"
	_ "github.com/camino-sys/canmonitor/pkg/can/usbserial"
	_ "github.com/camino-sys/canmonitor/pkg/can/virtual"
	"github.com/camino-sys/canmonitor/pkg/canopen"
	"github.com/camino-sys/canmonitor/pkg/config"
	"github.com/camino-sys/canmonitor/pkg/emcy"
	"github.com/camino-sys/canmonitor/pkg/heartbeat"
	"github.com/camino-sys/canmonitor/pkg/monitor"
	"github.com/camino-sys/canmonitor/pkg/nmt"
	"github.com/camino-sys/canmonitor/pkg/sdo"
)

var DEFAULT_CONFIG_PATH = "canmonitor.ini"

func main() {
	log.SetLevel(log.InfoLevel)
	// Command line arguments, overriding the config file when set
	configPath := flag.String("c", DEFAULT_CONFIG_PATH, "config file path")
	kind := flag.String("t", "", "transport kind, one of: "+strings.Join(can.AvailableTransports(), ","))
	channel := flag.String("i", "", "socketcan channel e.g. can0,vcan0")
	comPort := flag.String("p", "", "serial port e.g. /dev/ttyUSB0")
	nodeID := flag.Uint("n", 0, "target node id for -read / -nmt")
	readIndex := flag.Uint("read", 0, "read this object dictionary index once and exit after the response")
	nmtCommand := flag.Uint("nmt", 0, "send this NMT command to the target node on startup")
	quiet := flag.Bool("q", false, "suppress the per-frame printer")
	flag.Parse()

	cfg := config.Default()
	if loaded, err := config.Load(*configPath); err == nil {
		cfg = loaded
	} else if *configPath != DEFAULT_CONFIG_PATH {
		log.Fatalf("config : %v", err)
	}
	if *kind != "" {
		cfg.CAN.Kind = *kind
	}
	if *channel != "" {
		cfg.CAN.Channel = *channel
	}
	if *comPort != "" {
		cfg.CAN.ComPort = *comPort
	}
	if *nodeID != 0 {
		cfg.NodeID = uint8(*nodeID)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mon, err := monitor.NewManager(cfg.CAN, cfg.MaxHistory, logger)
	if err != nil {
		log.Fatalf("create monitor : %v", err)
	}
	if err := mon.Connect(); err != nil {
		log.Fatalf("connect %s : %v", cfg.CAN.Kind, err)
	}
	defer mon.Disconnect()

	tracker := sdo.NewTracker(cfg.SDOTimeout, logger)
	defer tracker.Close()
	consumer := heartbeat.NewConsumer(heartbeat.DefaultConsumerTimeout, logger)

	mon.AddCallback(tracker.HandleMessage)
	mon.AddCallback(consumer.HandleMessage)
	mon.AddCallback(func(msg canopen.Message) {
		if msg.Kind != canopen.KindEmergency {
			return
		}
		if em, err := emcy.Decode(msg.Frame); err == nil {
			log.Warnf("EMCY %v", em)
		}
	})
	if !*quiet {
		mon.AddCallback(printMessage)
	}

	if err := mon.StartMonitoring(); err != nil {
		log.Fatalf("start monitoring : %v", err)
	}

	if *nmtCommand != 0 {
		if err := mon.SendNMT(nmt.Command(*nmtCommand), cfg.NodeID); err != nil {
			log.Errorf("NMT : %v", err)
		}
	}

	done := make(chan struct{})
	if *readIndex != 0 {
		transfer := sdo.Transfer{Index: uint16(*readIndex), IsRead: true}
		tracker.Track(cfg.NodeID, transfer, func(c sdo.Completion) {
			if c.Err != nil {
				log.Errorf("read x%04x : %v", c.Transfer.Index, c.Err)
			} else {
				log.Infof("read x%04x = %d (x%x)", c.Transfer.Index, c.Value, c.Value)
			}
			close(done)
		})
		if err := mon.SendSDO(cfg.NodeID, transfer); err != nil {
			log.Fatalf("SDO : %v", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
	case <-done:
	}

	if err := mon.StopMonitoring(); err != nil {
		log.Errorf("stop monitoring : %v", err)
	}
	printSummary(mon, consumer)
}

func printMessage(msg canopen.Message) {
	payload := msg.Frame.Payload()
	hex := make([]string, len(payload))
	for i, b := range payload {
		hex[i] = fmt.Sprintf("%02X", b)
	}
	fmt.Printf("%s  x%03X  %-9s  node %3d  [%d]  %s\n",
		msg.Frame.Timestamp.Format("15:04:05.000"),
		msg.Frame.CobID,
		msg.Kind,
		msg.NodeID,
		msg.Frame.DLC,
		strings.Join(hex, " "),
	)
}

func printSummary(mon *monitor.Manager, consumer *heartbeat.Consumer) {
	stats := mon.Statistics()
	if len(stats) == 0 {
		return
	}
	fmt.Println("\nCOB-ID   count      period")
	for _, entry := range stats {
		fmt.Printf("x%03X     %-10d %v\n", entry.CobID, entry.Stats.Count, entry.Stats.Period.Round(time.Millisecond))
	}
	for id, status := range consumer.Nodes() {
		fmt.Printf("node %3d : %s, last seen %s\n", id, status.StateName(), status.LastSeen.Format("15:04:05.000"))
	}
}
