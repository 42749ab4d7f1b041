// Package commands implements the wasession command line.
//
//	wasession init                       create credentials
//	wasession fingerprint [identity-hex] print the identity fingerprint
//	wasession decode <frame-hex>         dump a decrypted frame
//	wasession connect                    connect and print events
//	wasession send <jid> <text>          send one text message
//	wasession logout                     unlink this device
package commands
