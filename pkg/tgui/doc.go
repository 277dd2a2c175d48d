// Package tgui holds small Telegram UI helpers: inline keyboards, callback
// data in "namespace:action:payload" form, HTML escaping and a message builder.
package tgui
