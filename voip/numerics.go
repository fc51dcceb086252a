package voip

// Numeric replies used by the text protocol.
const (
	RPL_WELCOME  = 1
	RPL_YOURHOST = 2
	RPL_CREATED  = 3
	RPL_MYINFO   = 4

	RPL_ISON       = 303
	RPL_LISTSTART  = 321
	RPL_LIST       = 322
	RPL_LISTEND    = 323
	RPL_NOTOPIC    = 331
	RPL_TOPIC      = 332
	RPL_NAMREPLY   = 353
	RPL_ENDOFNAMES = 366
	RPL_ENDOFMOTD  = 376

	ERR_NOSUCHCHANNEL    = 403
	ERR_NOORIGIN         = 409
	ERR_UNKNOWNCOMMAND   = 421
	ERR_NONICKNAMEGIVEN  = 431
	ERR_ERRONEUSNICKNAME = 432
	ERR_NICKNAMEINUSE    = 433
	ERR_NOTONCHANNEL     = 442
	ERR_NOTREGISTERED    = 451
	ERR_NEEDMOREPARAMS   = 461
	ERR_ALREADYREGISTRED = 462
	ERR_BADCHANNAME      = 479
)
