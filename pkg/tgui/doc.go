// Package tgui renders bot replies: an HTML message builder, inline
// keyboards, "namespace:action:payload" callback data and list paging.
// Every message is sent with ParseMode HTML and link previews off.
package tgui
