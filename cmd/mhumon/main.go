package main

import (
	"flag"
	"log"
	"os"

	"github.com/robotalks/mhu.go/pkg/mhu/mqtt"
)

var (
	mqttURL = "mqtt://localhost:1883/mhu/"
)

func init() {
	if val := os.Getenv("MHU_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}

	q.Sub("#", func(topic string, payload []byte) {
		node, kind, ch, err := mqtt.ParseTopic(topic)
		if err != nil {
			log.Printf("%s: %v", topic, err)
			return
		}
		switch kind {
		case mqtt.TopicAck:
			log.Printf("%s ch%d: ACK", node, ch)
		case mqtt.TopicDoorbell:
			value, err := mqtt.DecodeValue(payload)
			if err != nil {
				log.Printf("%s ch%d: bad doorbell: %v", node, ch, err)
				return
			}
			log.Printf("%s ch%d: DB %08x", node, ch, value)
		default:
			log.Printf("%s: %d bytes", topic, len(payload))
		}
	})
	<-(chan struct{})(nil)
}
