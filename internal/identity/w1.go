package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultW1Root is where the kernel w1 subsystem lists bus devices.
const DefaultW1Root = "/sys/bus/w1/devices"

// timFamily is the w1 family code of the EEPROM used as a TIM.
const timFamily = "2d-"

// dateLayout is how the date stamp is written at the start of the TIM
// memory.
const dateLayout = "20060102"

// W1Reader reads the TIM through the kernel w1 sysfs interface.
type W1Reader struct {
	Root string
}

// Read returns the first TIM listed by any bus master.
func (r W1Reader) Read() (Credential, error) {
	root := r.Root
	if root == "" {
		root = DefaultW1Root
	}
	lists, err := filepath.Glob(filepath.Join(root, "w1_bus_master*", "w1_master_slaves"))
	if err != nil {
		return Credential{}, fmt.Errorf("list w1 masters: %w", err)
	}

	for _, list := range lists {
		data, err := os.ReadFile(list)
		if err != nil {
			return Credential{}, fmt.Errorf("read %s: %w", list, err)
		}
		for _, id := range strings.Fields(string(data)) {
			if strings.HasPrefix(id, timFamily) {
				return r.credential(root, id)
			}
		}
	}
	return Credential{}, ErrNoTIM
}

func (r W1Reader) credential(root, id string) (Credential, error) {
	c := Credential{Serial: strings.TrimPrefix(id, timFamily)}
	mem, err := os.ReadFile(filepath.Join(root, id, "eeprom"))
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read TIM %s: %w", id, err)
	}
	if len(mem) >= len(dateLayout) {
		if d, err := time.Parse(dateLayout, string(mem[:len(dateLayout)])); err == nil {
			c.DateStamp = d
		}
	}
	return c, nil
}
