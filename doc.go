// Package quota is the entitlement and billing core of a chat-bot proxy
// in front of a paid LLM. It decides whether a user may spend one unit of
// service, settles Telegram Stars payments exactly once, stacks
// subscription periods and pays referrers.
//
// Quota is a library. The bot, the HTTP API in package api and the
// quotad daemon all drive the same Engine:
//
//	import (
//	    "github.com/xraph/quota"
//	    "github.com/xraph/quota/store/postgres"
//	)
//
//	s, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := quota.New(s,
//	    quota.WithAdmins(quota.ParseAdminIDs(os.Getenv("ADMIN_IDS"))...),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Admission
//
// Every incoming request calls TryConsume. Admins pass without touching a
// counter. Everybody else is charged against the daily allowance of an
// active subscription first and against bonus credits second:
//
//	res, err := engine.TryConsume(ctx, userID, time.Now())
//	if err != nil {
//	    return err
//	}
//	if !res.Granted {
//	    // offer plans and top-ups
//	}
//
// The daily counter resets lazily on the first access of a new UTC date.
//
// # Payments
//
// Invoices carry a payload of the form "sub_<plan>:<nonce>" or
// "topup_<package>:<nonce>". SettlePayment applies the purchase once per
// payload, however many times the confirmation is delivered:
//
//	res, err := engine.SettlePayment(ctx, payment.SettleRequest{
//	    UserID:  userID,
//	    Payload: payload,
//	    Amount:  quota.Stars(350),
//	})
//
// Buying a plan while one is active extends the current period instead of
// replacing it.
//
// # Referrals
//
// A user who arrived through another user's invite link is linked to that
// inviter once. Purchases pay the inviter either a flat credit bonus or a
// percentage of the amount, on the first purchase only or on every
// purchase, as the referral.Policy says.
//
// # Stores
//
// store/memory, store/sqlite, store/postgres, store/mongo and store/redis
// implement store.Store. Each one makes the read-modify-write of a single
// account atomic and keeps the payment and earning payloads unique.
package quota
