package doc

import (
	"hash/fnv"
	"time"
)

// Display identity palette: 18 colors x 72 animals. The connection id is
// hashed into both tables so the same id always maps to the same identity.

type paletteColor struct {
	Name string
	Hex  string
}

var paletteColors = [18]paletteColor{
	{"Crimson", "#dc143c"}, {"Coral", "#ff7f50"}, {"Amber", "#ffbf00"},
	{"Gold", "#ffd700"}, {"Lime", "#9acd32"}, {"Emerald", "#2ecc71"},
	{"Teal", "#008080"}, {"Cyan", "#00bcd4"}, {"Azure", "#2e86de"},
	{"Cobalt", "#0047ab"}, {"Indigo", "#4b0082"}, {"Violet", "#8a2be2"},
	{"Magenta", "#ff00ff"}, {"Rose", "#ff007f"}, {"Salmon", "#fa8072"},
	{"Sienna", "#a0522d"}, {"Olive", "#808000"}, {"Slate", "#708090"},
}

var paletteAnimals = [72]string{
	"Aardvark", "Albatross", "Alpaca", "Ant", "Antelope", "Armadillo",
	"Badger", "Bat", "Bear", "Beaver", "Bee", "Bison",
	"Boar", "Buffalo", "Camel", "Capybara", "Caribou", "Cassowary",
	"Cat", "Cheetah", "Chinchilla", "Cobra", "Condor", "Cougar",
	"Coyote", "Crane", "Crow", "Deer", "Dingo", "Dolphin",
	"Donkey", "Dove", "Dragonfly", "Duck", "Eagle", "Echidna",
	"Elephant", "Elk", "Falcon", "Ferret", "Finch", "Fox",
	"Frog", "Gazelle", "Gecko", "Gibbon", "Giraffe", "Goose",
	"Hawk", "Hedgehog", "Heron", "Ibex", "Iguana", "Jackal",
	"Jaguar", "Kangaroo", "Kiwi", "Koala", "Lemur", "Leopard",
	"Llama", "Lynx", "Marmot", "Meerkat", "Mongoose", "Narwhal",
	"Ocelot", "Otter", "Owl", "Panda", "Pelican", "Wolf",
}

// DeriveIdentity maps a connection id to its stable display identity.
func DeriveIdentity(connID string) (color, animal, name string) {
	h := fnv.New32a()
	h.Write([]byte(connID))
	sum := h.Sum32()

	c := paletteColors[sum%uint32(len(paletteColors))]
	a := paletteAnimals[(sum/uint32(len(paletteColors)))%uint32(len(paletteAnimals))]
	return c.Hex, a, c.Name + " " + a
}

// NewPlayerInfo builds the presence record for a fresh connection.
func NewPlayerInfo(connID string, now time.Time) PlayerInfo {
	color, animal, name := DeriveIdentity(connID)
	return PlayerInfo{
		ID:            connID,
		Color:         color,
		Animal:        animal,
		Name:          name,
		ConnectedAt:   now,
		LastMessageAt: now,
	}
}
